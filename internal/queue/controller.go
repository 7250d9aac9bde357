// Package queue admits jobs into execution under a concurrency cap.
//
// The controller keeps a FIFO of waiting job ids and the set of running
// ones. Admission, promotion and release all run under one mutex, so the
// running count can never exceed the cap and jobs start in admission order.
// There is no priority and no preemption.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/config"
)

// Config holds queue configuration.
type Config struct {
	Concurrency int `env:"BOLTZ_CONCURRENCY" envDefault:"1"`
}

// LoadConfigFromEnv loads queue configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

// Runner executes one admitted job. Execute returns when the job has
// reached a terminal state; ctx is cancelled when the controller closes.
type Runner interface {
	Execute(ctx context.Context, jobID string)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, jobID string)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, jobID string) { f(ctx, jobID) }

// MetricsRecorder is an optional interface for recording queue depth.
type MetricsRecorder interface {
	RecordQueue(ctx context.Context, queued, running, capacity int)
}

// Stats is a snapshot of the controller.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Capacity int `json:"capacity"`
}

// Controller is the FIFO admission controller.
type Controller struct {
	mu      sync.Mutex
	pending []string
	running map[string]struct{}
	cap     int
	closed  bool

	runner  Runner
	metrics MetricsRecorder
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a controller that runs at most cfg.Concurrency jobs at once.
// metrics may be nil.
func New(cfg Config, runner Runner, metrics MetricsRecorder) *Controller {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		running: make(map[string]struct{}),
		cap:     cfg.Concurrency,
		runner:  runner,
		metrics: metrics,
		logger:  slog.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Admit appends a job to the FIFO and starts it if a slot is free.
func (c *Controller) Admit(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.Conflict("queue", jobID, "queue is shutting down")
	}
	if _, ok := c.running[jobID]; ok || c.indexLocked(jobID) >= 0 {
		return apperrors.Conflict("job", jobID, "job already admitted")
	}

	c.pending = append(c.pending, jobID)
	c.promoteLocked()
	c.recordLocked()
	return nil
}

// Position returns the 0-based position of a waiting job.
func (c *Controller) Position(jobID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexLocked(jobID)
	return i, i >= 0
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Queued: len(c.pending), Running: len(c.running), Capacity: c.cap}
}

// Close stops admission and promotion, cancels running jobs and waits for
// them to finish recording their terminal state, or for ctx to be done.
// Jobs still waiting stay queued in the store and are re-admitted on restart.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	waiting := len(c.pending)
	running := len(c.running)
	c.mu.Unlock()

	c.logger.Info("Queue closing", "running", running, "queued", waiting)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// promoteLocked starts waiting jobs, oldest first, while slots are free.
func (c *Controller) promoteLocked() {
	for !c.closed && len(c.running) < c.cap && len(c.pending) > 0 {
		jobID := c.pending[0]
		c.pending = c.pending[1:]
		c.running[jobID] = struct{}{}

		c.wg.Add(1)
		go c.run(jobID)
	}
}

func (c *Controller) run(jobID string) {
	defer c.wg.Done()
	defer c.release(jobID)

	c.logger.Debug("Job promoted", "jobId", jobID)
	c.runner.Execute(c.ctx, jobID)
}

// release frees a running slot and promotes the next waiting job.
func (c *Controller) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, jobID)
	c.promoteLocked()
	c.recordLocked()
}

func (c *Controller) indexLocked(jobID string) int {
	for i, id := range c.pending {
		if id == jobID {
			return i
		}
	}
	return -1
}

func (c *Controller) recordLocked() {
	if c.metrics != nil {
		c.metrics.RecordQueue(context.Background(), len(c.pending), len(c.running), c.cap)
	}
}
