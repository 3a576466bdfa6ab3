// Package runner supervises inference-server subprocesses (llama-server,
// vllm and friends) that expose an HTTP API on a loopback port.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/23skdu/longbow-vlm/internal/logger"
)

var (
	ErrExited   = errors.New("runner process exited")
	ErrStalled  = errors.New("timed out waiting for runner to become ready")
	ErrNotStart = errors.New("runner not started")
)

// Runner is a started inference server.
type Runner interface {
	Start(ctx context.Context) error
	WaitUntilReady(ctx context.Context) error
	BaseURL() string
	Running() bool
	Close() error
}

// Factory builds a runner for a command line. Engines take one so tests can
// substitute fakes.
type Factory func(cfg Config) Runner

type Config struct {
	// Name tags log lines.
	Name    string
	Command string
	Args    []string
	Env     []string
	// PortFlag is appended with the chosen port; defaults to "--port".
	PortFlag string
	// HealthPath is polled until it answers 200; defaults to "/health".
	HealthPath   string
	StallTimeout time.Duration
}

// Process runs Config as a child process.
type Process struct {
	cfg Config

	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	done    chan struct{}
	exitErr error
	lastErr string
	client  *http.Client
}

func New(cfg Config) *Process {
	if cfg.PortFlag == "" {
		cfg.PortFlag = "--port"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Command
	}
	return &Process{cfg: cfg, client: &http.Client{Timeout: 5 * time.Second}}
}

// NewFactory is the Factory that spawns real processes.
func NewFactory() Factory {
	return func(cfg Config) Runner { return New(cfg) }
}

// FreePort asks the kernel for an unused loopback port, falling back to a
// random ephemeral port.
func FreePort() int {
	if a, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0"); err == nil {
		if l, err := net.ListenTCP("tcp", a); err == nil {
			port := l.Addr().(*net.TCPAddr).Port
			_ = l.Close()
			return port
		}
	}
	return rand.Intn(65535-49152) + 49152
}

func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("%s already started", p.cfg.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port := FreePort()
	args := append(append([]string{}, p.cfg.Args...), p.cfg.PortFlag, strconv.Itoa(port))
	cmd := exec.Command(p.cfg.Command, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	logger.Log.Info("Starting runner", "runner", p.cfg.Name, "cmd", p.cfg.Command+" "+strings.Join(args, " "), "port", port)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("unable to start %s: %w", p.cfg.Name, err)
	}

	p.cmd = cmd
	p.port = port
	p.done = make(chan struct{})

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.scan(stdout, false)
	}()
	go func() {
		defer pipes.Done()
		p.scan(stderr, true)
	}()

	// reap
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
		logger.Log.Debug("Runner exited", "runner", p.cfg.Name, "error", err)
	}()
	return nil
}

var errorPrefixes = []string{
	"error:",
	"CUDA error",
	"cudaMalloc failed",
	"\"ERR\"",
	"Traceback",
	"ValueError:",
	"RuntimeError:",
	"OSError:",
}

func (p *Process) scan(r io.Reader, stderr bool) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if stderr {
			for _, prefix := range errorPrefixes {
				if _, after, ok := strings.Cut(line, prefix); ok {
					p.mu.Lock()
					p.lastErr = prefix + " " + strings.TrimSpace(after)
					p.mu.Unlock()
					break
				}
			}
		}
		logger.Log.Debug(p.cfg.Name, "line", line)
	}
}

func (p *Process) BaseURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d", p.port)
}

func (p *Process) Running() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// LastError returns the last error line the process printed to stderr.
func (p *Process) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := p.lastErr
	if msg == "" && p.exitErr != nil {
		msg = p.exitErr.Error()
	}
	if msg == "" {
		return fmt.Errorf("%w: %s", ErrExited, p.cfg.Name)
	}
	return fmt.Errorf("%w: %s: %s", ErrExited, p.cfg.Name, msg)
}

// WaitUntilReady polls the health endpoint until it answers 200, the process
// exits, or StallTimeout passes.
func (p *Process) WaitUntilReady(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return ErrNotStart
	}

	start := time.Now()
	stall := time.NewTimer(p.cfg.StallTimeout)
	defer stall.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return p.exitError()
		case <-stall.C:
			return fmt.Errorf("%w: %s after %s", ErrStalled, p.cfg.Name, p.cfg.StallTimeout)
		case <-ticker.C:
			status, err := p.health(ctx)
			if err != nil {
				continue
			}
			if status == http.StatusOK {
				logger.Log.Info("Runner ready", "runner", p.cfg.Name, "url", p.BaseURL(), "elapsed", time.Since(start).Round(time.Millisecond).String())
				return nil
			}
			// 503 while the model is loading
		}
	}
}

func (p *Process) health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL()+p.cfg.HealthPath, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Close kills the process and waits for it to be reaped.
func (p *Process) Close() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}
	logger.Log.Debug("Stopping runner", "runner", p.cfg.Name)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}
