// Package local runs the prediction engine as a child process of the service.
//
// Each run gets its own process group. When the run's context is done the
// group receives SIGTERM, and everything still alive after the kill grace
// period receives SIGKILL, so engine worker processes never outlive a
// timed-out or interrupted job.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/job"
)

// Config holds local engine configuration.
type Config struct {
	Binary    string        `env:"BOLTZ_BINARY" envDefault:"boltz"`
	KillGrace time.Duration `env:"BOLTZ_KILL_GRACE" envDefault:"5s"`
}

// LoadConfigFromEnv loads local engine configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "boltz"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Engine implements job.Engine with os/exec.
type Engine struct {
	binary string
	grace  time.Duration
	logger *slog.Logger
}

// New creates a local engine.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		binary: cfg.Binary,
		grace:  cfg.KillGrace,
		logger: slog.With("component", "engine", "engine", "local"),
	}
}

// Run implements job.Engine.
func (e *Engine) Run(ctx context.Context, inv job.Invocation) (*job.Outcome, error) {
	cmd := exec.CommandContext(ctx, e.binary, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Stdout = inv.Stdout
	cmd.Stderr = inv.Stderr
	configure(cmd, e.grace)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}
	e.logger.Debug("Engine process started", "jobId", inv.JobID, "pid", cmd.Process.Pid)

	err := cmd.Wait()

	if ctx.Err() != nil {
		// Reap whatever the leader left behind in its group.
		killGroup(cmd)
		return outcome(cmd), fmt.Errorf("engine terminated: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return &job.Outcome{ExitCode: 0}, nil
	case errors.As(err, &exitErr):
		return &job.Outcome{ExitCode: exitErr.ExitCode()}, nil
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited, but a leftover child held the output pipes open.
		killGroup(cmd)
		return outcome(cmd), nil
	default:
		return outcome(cmd), fmt.Errorf("wait %s: %w", e.binary, err)
	}
}

func outcome(cmd *exec.Cmd) *job.Outcome {
	if cmd.ProcessState == nil {
		return nil
	}
	return &job.Outcome{ExitCode: cmd.ProcessState.ExitCode()}
}

// CommandLine implements job.Engine.
func (e *Engine) CommandLine(args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{e.binary}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Ready implements job.Engine by resolving the engine executable.
func (e *Engine) Ready(context.Context) error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("engine executable: %w", err)
	}
	return nil
}

// Close implements job.Engine.
func (e *Engine) Close() error {
	return nil
}

var _ job.Engine = (*Engine)(nil)
