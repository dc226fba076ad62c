package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const tokenPrefixLen = 16

// Identify returns the client identity of r:
//
//	key:<hash>  for requests with a bearer token, hash is a sha256 prefix
//	ip:<addr>   first X-Forwarded-For entry, X-Real-IP or the peer address
//	ip:unknown  when none is available
func Identify(r *http.Request) string {
	if token, ok := bearer(r.Header.Get("Authorization")); ok {
		sum := sha256.Sum256([]byte(token))
		return "key:" + hex.EncodeToString(sum[:])[:tokenPrefixLen]
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return "ip:" + first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return "ip:" + realIP
	}
	if r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		return "ip:" + host
	}
	return "ip:unknown"
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
