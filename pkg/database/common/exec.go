package common

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandFunc builds an external command. Drivers keep one so tests can
// substitute the engine's client binaries.
type CommandFunc func(name string, args ...string) *exec.Cmd

// CommandError is returned when an external tool exits unsuccessfully
type CommandError struct {
	Name   string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Name, e.Err, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

const stderrLimit = 4096

// RunCommand runs cmd wired to stdin and stdout, killing the process when ctx
// is cancelled.
func RunCommand(ctx context.Context, cmd *exec.Cmd, stdin io.Reader, stdout io.Writer) error {
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	name := cmd.Path
	if len(cmd.Args) > 0 {
		name = cmd.Args[0]
	}

	if err := cmd.Start(); err != nil {
		return &CommandError{Name: name, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return &CommandError{Name: name, Err: err, Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil
	}
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
