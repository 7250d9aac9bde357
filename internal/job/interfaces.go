// Package job defines prediction jobs, the submission path that validates
// and canonicalizes them, and the collaborators that store, queue and
// execute them.
package job

import (
	"context"
	"io"

	"github.com/cnpem/boltz-slurm/internal/result"
)

// Repository is the durable store of jobs. It is the single source of truth
// for job state.
//
// Implementations must enforce the state machine: an Update whose mutation
// changes Status to a value that Status.CanTransition rejects fails with a
// conflict and leaves the stored record untouched.
type Repository interface {
	// Create materializes a new job. On error nothing is left behind.
	Create(ctx context.Context, j *Job, in CreateInput) error

	// Get returns a job with its submitted spec attached.
	Get(ctx context.Context, jobID string) (*Job, error)

	// List returns all jobs, most recently created first.
	List(ctx context.Context) ([]Job, error)

	// Delete removes a job and everything stored for it.
	Delete(ctx context.Context, jobID string) error

	// Update applies fn to the stored job and persists the result atomically.
	Update(ctx context.Context, jobID string, fn func(*Job) error) (*Job, error)

	// SaveResult attaches the normalized result document to a completed job.
	SaveResult(ctx context.Context, jobID string, doc *result.Document) error

	// RemoveResult discards a job's result document. Missing results are
	// not an error.
	RemoveResult(ctx context.Context, jobID string) error

	// Result returns the normalized result document of a completed job.
	Result(ctx context.Context, jobID string) (*result.Document, error)

	// OpenLog opens an append-only log file ("stdout" or "stderr") of a job.
	OpenLog(jobID, stream string) (io.WriteCloser, error)

	// Ready checks that the backing storage is usable.
	Ready(ctx context.Context) error
}

// CreateInput carries the immutable inputs written when a job is created.
type CreateInput struct {
	Spec     []byte            // submitted request, stored byte-for-byte
	Document []byte            // canonical engine input
	Inputs   map[string]string // file name under inputs/ -> source path to copy
}

// Queue admits jobs for execution.
type Queue interface {
	Admit(jobID string) error
	Position(jobID string) (int, bool)
}

// UploadResolver turns upload references embedded in a request into stored files.
type UploadResolver interface {
	IsReference(value string) bool
	Resolve(ref string) (path string, err error)
}

// Invocation describes one engine run.
type Invocation struct {
	JobID  string
	Dir    string   // working directory holding the canonical input
	Args   []string // engine arguments, without the executable
	Stdout io.Writer
	Stderr io.Writer
}

// Outcome is the result of an engine process that ran to exit.
type Outcome struct {
	ExitCode int
}

// Engine is the boundary to the external prediction engine.
type Engine interface {
	// Run executes the engine and blocks until it exits or ctx is done.
	// When ctx is done the engine and all of its children are terminated and
	// the returned error wraps ctx.Err(). Any other error means the engine
	// could not be started or supervised.
	Run(ctx context.Context, inv Invocation) (*Outcome, error)

	// CommandLine renders the command that Run would execute, for the job record.
	CommandLine(args []string) string

	// Ready checks that the engine can be launched.
	Ready(ctx context.Context) error

	// Close releases engine resources.
	Close() error
}
