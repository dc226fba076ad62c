package model

import (
	"errors"
)

var (
	ErrNotFound      = errors.New("run not found")
	ErrInvalidTarget = errors.New("invalid target")
)
