package remux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// maxStderrLines bounds the diagnostic ring kept per process.
const maxStderrLines = 20

// Process is one running remuxer. Callers feed Write, read Output, and
// watch Done for exit. Kill is safe to call any number of times and
// after exit.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *slog.Logger

	killOnce sync.Once
	done     chan struct{}

	mu          sync.Mutex
	exitErr     error
	exited      bool
	stderrLines []string
}

// Start launches the command with stdin/stdout pipes attached. The
// context cancels the subprocess if it is still running.
func Start(ctx context.Context, cmd Command, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := exec.CommandContext(ctx, cmd.Binary, cmd.Args...)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cmd.Binary, err)
	}

	p := &Process{
		cmd:    c,
		stdin:  stdin,
		stdout: stdout,
		logger: logger.With("component", "remux", "pid", c.Process.Pid),
		done:   make(chan struct{}),
	}
	p.logger.Debug("remuxer started", "binary", cmd.Binary, "args", cmd.Args)

	var scanDone sync.WaitGroup
	scanDone.Add(1)
	go func() {
		defer scanDone.Done()
		p.scanStderr(stderr)
	}()

	go func() {
		scanDone.Wait()
		err := c.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.exited = true
		p.mu.Unlock()
		if err != nil {
			p.logger.Debug("remuxer exited", "error", err)
		} else {
			p.logger.Debug("remuxer exited")
		}
		close(p.done)
	}()

	return p, nil
}

// scanStderr drains ffmpeg's stderr, logging each line and retaining the
// most recent lines for error reports.
func (p *Process) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.logger.Debug("remuxer stderr", "line", line)
		p.mu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > maxStderrLines {
			p.stderrLines = p.stderrLines[len(p.stderrLines)-maxStderrLines:]
		}
		p.mu.Unlock()
	}
}

// Write feeds input bytes to the remuxer.
func (p *Process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// CloseInput signals end of input, letting the remuxer flush and exit
// on its own.
func (p *Process) CloseInput() error {
	return p.stdin.Close()
}

// Output is the remuxed byte stream.
func (p *Process) Output() io.Reader {
	return p.stdout
}

// Done is closed once the process has exited and its exit status is
// available through Err.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err reports the exit status. It is nil before exit and for a clean
// exit afterwards.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Running reports whether the process has not exited yet.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// RecentStderr returns the last few stderr lines for error reports.
func (p *Process) RecentStderr() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderrLines))
	copy(out, p.stderrLines)
	return out
}

// Kill force-terminates the process. Idempotent; the exit is still
// reported through Done.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if proc := p.cmd.Process; proc != nil {
			_ = proc.Kill()
		}
	})
}
