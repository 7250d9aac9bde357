// Package supervisor drives admitted jobs through the engine and records
// their terminal state.
//
// Terminal classification:
//
//	deadline exceeded                         -> timeout
//	parent context cancelled (shutdown)       -> error
//	engine could not be started or supervised -> error
//	nonzero exit, output matches a rejection  -> failed
//	nonzero exit otherwise                    -> error
//	zero exit, artifacts missing or invalid   -> error
//	zero exit, artifacts normalized           -> completed
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/result"
)

// DefaultRejectionPatterns match engine output that reports a rejection of
// the job itself rather than a failure to run it. They are compiled
// case-insensitive and multi-line.
var DefaultRejectionPatterns = []string{
	`infeasible`,
	`unsatisfiable`,
	`invalid (bond|pocket|contact) constraint`,
	`^ValueError:`,
	`^(pydantic\.)?ValidationError`,
}

// Config holds supervisor configuration.
type Config struct {
	Timeout           time.Duration `env:"BOLTZ_TIMEOUT" envDefault:"10m"`
	RejectionPatterns []string      `env:"BOLTZ_REJECTION_PATTERNS" envSeparator:";"`
}

// LoadConfigFromEnv loads supervisor configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if len(c.RejectionPatterns) == 0 {
		c.RejectionPatterns = DefaultRejectionPatterns
	}
	return c
}

// MetricsRecorder is an optional interface for recording execution metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, waitSeconds float64)
	RecordJobFinished(ctx context.Context, status string, durationSeconds float64)
}

// Normalizer turns the outputs of a completed run into a result document.
type Normalizer func(outputDir string, opts result.Options) (*result.Document, error)

// Error messages recorded on jobs that did not run to completion.
const (
	MsgShutdown = "interrupted by shutdown"
	MsgRestart  = "interrupted by service restart"
)

// Supervisor executes jobs. It is safe for concurrent use.
type Supervisor struct {
	repo      job.Repository
	engine    job.Engine
	cfg       Config
	patterns  []*regexp.Regexp
	normalize Normalizer
	metrics   MetricsRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a supervisor. metrics may be nil.
func New(repo job.Repository, engine job.Engine, cfg Config, metrics MetricsRecorder) (*Supervisor, error) {
	cfg = cfg.withDefaults()

	patterns := make([]*regexp.Regexp, 0, len(cfg.RejectionPatterns))
	for _, p := range cfg.RejectionPatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?im)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile rejection pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &Supervisor{
		repo:      repo,
		engine:    engine,
		cfg:       cfg,
		patterns:  patterns,
		normalize: result.Normalize,
		metrics:   metrics,
		logger:    slog.With("component", "supervisor"),
		now:       time.Now,
	}, nil
}

// terminal is the outcome of one execution.
type terminal struct {
	status     job.Status
	message    string
	returnCode *int
}

// Execute runs one queued job to a terminal state. It returns once the
// terminal state is recorded. Cancelling ctx terminates the engine and the
// job is recorded as an error.
func (s *Supervisor) Execute(ctx context.Context, jobID string) {
	logger := s.logger.With("jobId", jobID)
	// Store writes must land even while ctx is being cancelled.
	storeCtx := context.WithoutCancel(ctx)

	started := s.now().UTC()
	j, err := s.repo.Update(storeCtx, jobID, func(j *job.Job) error {
		j.Status = job.StatusRunning
		j.StartedAt = &started
		j.Command = s.engine.CommandLine(j.Args)
		return nil
	})
	if err != nil {
		logger.Error("Job could not be started", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordJobStarted(storeCtx, started.Sub(j.CreatedAt).Seconds())
	}
	logger.Info("Job started", "command", j.Command, "timeout", s.cfg.Timeout)

	var stdout, stderr bytes.Buffer
	t := s.run(ctx, j, &stdout, &stderr)

	finished := s.now().UTC()
	_, err = s.repo.Update(storeCtx, jobID, func(j *job.Job) error {
		j.Status = t.status
		j.CompletedAt = &finished
		j.Stdout = stdout.String()
		j.Stderr = stderr.String()
		j.ReturnCode = t.returnCode
		j.Error = t.message
		return nil
	})
	if err != nil {
		logger.Error("Job terminal state could not be recorded", "status", t.status, "error", err)
		if t.status == job.StatusCompleted {
			if rmErr := s.repo.RemoveResult(storeCtx, jobID); rmErr != nil {
				logger.Error("Results of unrecorded job could not be removed", "error", rmErr)
			}
		}
		return
	}

	duration := finished.Sub(started)
	if s.metrics != nil {
		s.metrics.RecordJobFinished(storeCtx, string(t.status), duration.Seconds())
	}
	if t.status == job.StatusCompleted {
		logger.Info("Job finished", "status", t.status, "duration", duration)
	} else {
		logger.Warn("Job finished", "status", t.status, "duration", duration, "reason", t.message)
	}
}

func (s *Supervisor) run(ctx context.Context, j *job.Job, stdout, stderr *bytes.Buffer) terminal {
	outLog, err := s.repo.OpenLog(j.ID, "stdout")
	if err != nil {
		return terminal{status: job.StatusError, message: fmt.Sprintf("open stdout log: %v", err)}
	}
	defer outLog.Close()
	errLog, err := s.repo.OpenLog(j.ID, "stderr")
	if err != nil {
		return terminal{status: job.StatusError, message: fmt.Sprintf("open stderr log: %v", err)}
	}
	defer errLog.Close()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	outcome, runErr := s.engine.Run(runCtx, job.Invocation{
		JobID:  j.ID,
		Dir:    j.Dir,
		Args:   j.Args,
		Stdout: io.MultiWriter(outLog, stdout),
		Stderr: io.MultiWriter(errLog, stderr),
	})

	var code *int
	if outcome != nil {
		c := outcome.ExitCode
		code = &c
	}

	exitedCleanly := runErr == nil && outcome != nil && outcome.ExitCode == 0
	if !exitedCleanly && runCtx.Err() != nil {
		if ctx.Err() != nil {
			return terminal{status: job.StatusError, message: MsgShutdown, returnCode: code}
		}
		return terminal{
			status:     job.StatusTimeout,
			message:    fmt.Sprintf("prediction timed out after %s", s.cfg.Timeout),
			returnCode: code,
		}
	}

	if runErr != nil {
		return terminal{status: job.StatusError, message: fmt.Sprintf("engine failed: %v", runErr), returnCode: code}
	}
	if outcome == nil {
		return terminal{status: job.StatusError, message: "engine returned no outcome"}
	}

	if outcome.ExitCode != 0 {
		if line, ok := s.rejection(stderr.String(), stdout.String()); ok {
			return terminal{status: job.StatusFailed, message: "prediction rejected by engine: " + line, returnCode: code}
		}
		return terminal{
			status:     job.StatusError,
			message:    fmt.Sprintf("engine exited with code %d", outcome.ExitCode),
			returnCode: code,
		}
	}

	doc, err := s.normalize(j.OutputDir, result.Options{HasAffinity: j.HasAffinity, ChainIDs: j.ChainIDs})
	if err != nil {
		return terminal{status: job.StatusError, message: fmt.Sprintf("invalid engine output: %v", err), returnCode: code}
	}
	if err := s.repo.SaveResult(context.WithoutCancel(ctx), j.ID, doc); err != nil {
		return terminal{status: job.StatusError, message: fmt.Sprintf("store results: %v", err), returnCode: code}
	}
	return terminal{status: job.StatusCompleted, returnCode: code}
}

// rejection returns the first output line matching a rejection pattern.
// stderr is searched before stdout.
func (s *Supervisor) rejection(outputs ...string) (string, bool) {
	for _, out := range outputs {
		for _, re := range s.patterns {
			loc := re.FindStringIndex(out)
			if loc == nil {
				continue
			}
			return lineAt(out, loc[0]), true
		}
	}
	return "", false
}

func lineAt(s string, i int) string {
	start := strings.LastIndexByte(s[:i], '\n') + 1
	end := strings.IndexByte(s[i:], '\n')
	if end < 0 {
		return strings.TrimSpace(s[start:])
	}
	return strings.TrimSpace(s[start : i+end])
}

// Reconcile repairs job state left behind by a previous process. Jobs that
// were running are recorded as errors. Queued jobs whose input document is
// gone are recorded as errors too. The remaining queued jobs are returned
// oldest first for re-admission.
func (s *Supervisor) Reconcile(ctx context.Context) ([]string, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	var requeue []string
	// List is newest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		switch j.Status {
		case job.StatusRunning:
			s.closeOut(ctx, j.ID, MsgRestart)
		case job.StatusQueued:
			if _, err := os.Stat(j.InputFile); err != nil {
				s.closeOut(ctx, j.ID, "input document missing: "+err.Error())
				continue
			}
			requeue = append(requeue, j.ID)
		}
	}

	if len(requeue) > 0 {
		s.logger.Info("Re-admitting queued jobs", "count", len(requeue))
	}
	return requeue, nil
}

func (s *Supervisor) closeOut(ctx context.Context, jobID, reason string) {
	now := s.now().UTC()
	_, err := s.repo.Update(ctx, jobID, func(j *job.Job) error {
		j.Status = job.StatusError
		j.CompletedAt = &now
		j.Error = reason
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to reconcile job", "jobId", jobID, "error", err)
		return
	}
	s.logger.Warn("Job reconciled", "jobId", jobID, "status", job.StatusError, "reason", reason)
}
