package mcp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Transport carries newline-delimited JSON-RPC payloads to and from a peer.
// Send may be called concurrently; Receive is driven by a single reader
// goroutine. Close must be idempotent.
type Transport interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// maxLineSize bounds a single response line. Tool results can embed large
// documents so the limit is generous.
const maxLineSize = 16 * 1024 * 1024

// stdioTransport speaks the line-delimited dialect over a subprocess's stdin
// and stdout. Closing terminates the process: SIGTERM first, then a bounded
// wait, then SIGKILL.
type stdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	terminateWait time.Duration
}

// startStdioTransport launches the command with the merged environment and
// binds its pipes.
func startStdioTransport(command string, args []string, env map[string]string, terminateWait time.Duration) (*stdioTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = mergedEnv(env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	return &stdioTransport{
		cmd:           cmd,
		stdin:         stdin,
		scanner:       scanner,
		terminateWait: terminateWait,
	}, nil
}

func (t *stdioTransport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (t *stdioTransport) Receive() ([]byte, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	line := make([]byte, len(t.scanner.Bytes()))
	copy(line, t.scanner.Bytes())
	return line, nil
}

// Close terminates the subprocess. Safe to call multiple times and on an
// already-dead process.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()

		if t.cmd.Process == nil {
			return
		}
		_ = t.cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(t.terminateWait):
			_ = t.cmd.Process.Kill()
			<-done
		}
	})
	return t.closeErr
}

// mergedEnv layers the peer-specific variables over the parent environment,
// sorted for deterministic process spawning.
func mergedEnv(env map[string]string) []string {
	if len(env) == 0 {
		return os.Environ()
	}
	merged := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
