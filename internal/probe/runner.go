package probe

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// defaultWaitDelay bounds how long Run waits for output pipes after the
// process was killed, children of the tool may keep them open.
const defaultWaitDelay = time.Second

// StderrFunc receives stderr of a running command line by line.
type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to the environment of the current process
	Timeout time.Duration
}

// Output describes a finished command.
type Output struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	Stdout   *bytes.Buffer
	Stderr   string
	TimedOut bool
	Err      error
}

// ExitCode returns the exit code of the process, -1 when it did not exit
// normally or did not start.
func (o Output) ExitCode() int {
	if o.State == nil {
		return -1
	}
	return o.State.ExitCode()
}

// Run executes proto and waits for it to finish. Timeout kills the process,
// TimedOut then reports it. A cancelled ctx kills the process as well, but
// is not reported as a timeout.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Output {
	out := Output{
		Path:   proto.Path,
		Args:   append([]string(nil), proto.Args...),
		Stdout: &bytes.Buffer{},
	}

	runCtx := ctx
	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.WaitDelay = defaultWaitDelay
	cmd.Stdout = out.Stdout
	stderr := &lineWriter{ctx: ctx, fn: stderrFunc}
	cmd.Stderr = stderr

	out.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		out.Stopped = time.Now().UTC()
		out.Err = err
		return out
	}
	err := cmd.Wait()
	out.Stopped = time.Now().UTC()
	out.State = cmd.ProcessState
	out.Err = err
	out.Stderr = stderr.String()
	out.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return out
}

// lineWriter keeps everything written to it and passes complete lines to
// fn.
type lineWriter struct {
	ctx context.Context
	fn  StderrFunc

	mx      sync.Mutex
	all     bytes.Buffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.all.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.pending[:i], "\r")))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) String() string {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.fn != nil && len(w.pending) > 0 {
		w.fn(w.ctx, string(w.pending))
		w.pending = nil
	}
	return w.all.String()
}
