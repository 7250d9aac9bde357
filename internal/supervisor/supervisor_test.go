package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/result"
	"github.com/cnpem/boltz-slurm/internal/store"
	"github.com/cnpem/boltz-slurm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine runs fn in place of the external engine.
type fakeEngine struct {
	fn func(ctx context.Context, inv job.Invocation) (*job.Outcome, error)
}

func (e *fakeEngine) Run(ctx context.Context, inv job.Invocation) (*job.Outcome, error) {
	return e.fn(ctx, inv)
}
func (e *fakeEngine) CommandLine(args []string) string { return fmt.Sprintf("fake %v", args) }
func (e *fakeEngine) Ready(context.Context) error      { return nil }
func (e *fakeEngine) Close() error                     { return nil }

// exit returns an engine that writes output and exits with code.
func exit(tb testing.TB, code int, stdout, stderr string, artifacts *testutil.Artifacts) *fakeEngine {
	return &fakeEngine{fn: func(_ context.Context, inv job.Invocation) (*job.Outcome, error) {
		_, _ = io.WriteString(inv.Stdout, stdout)
		_, _ = io.WriteString(inv.Stderr, stderr)
		if artifacts != nil {
			testutil.WriteArtifacts(tb, filepath.Join(inv.Dir, job.OutputDirName), *artifacts)
		}
		return &job.Outcome{ExitCode: code}, nil
	}}
}

// blocking returns an engine that waits for ctx like a killed process would.
func blocking() *fakeEngine {
	return &fakeEngine{fn: func(ctx context.Context, inv job.Invocation) (*job.Outcome, error) {
		_, _ = io.WriteString(inv.Stdout, "predicting...\n")
		<-ctx.Done()
		return nil, fmt.Errorf("engine terminated: %w", ctx.Err())
	}}
}

type recorder struct {
	mu       sync.Mutex
	started  int
	finished []string
}

func (r *recorder) RecordJobStarted(context.Context, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *recorder) RecordJobFinished(_ context.Context, status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, status)
}

func setup(t *testing.T, engine job.Engine, cfg Config, hasAffinity bool) (*Supervisor, *store.FileStore, string) {
	t.Helper()

	repo, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	j := &job.Job{
		ID:          "job-1",
		Status:      job.StatusQueued,
		CreatedAt:   time.Now().UTC().Add(-time.Second),
		ChainIDs:    []string{"A", "B"},
		HasAffinity: hasAffinity,
		Args:        []string{"predict", job.InputFileName},
	}
	require.NoError(t, repo.Create(context.Background(), j, job.CreateInput{
		Spec:     []byte("{}"),
		Document: []byte("version: 1\n"),
	}))

	sup, err := New(repo, engine, cfg, nil)
	require.NoError(t, err)
	return sup, repo, j.ID
}

func get(t *testing.T, repo *store.FileStore, id string) *job.Job {
	t.Helper()
	j, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestExecuteCompleted(t *testing.T) {
	sup, repo, id := setup(t, exit(t, 0, "done\n", "warming up\n", &testutil.Artifacts{Models: 2, Affinity: true}), Config{}, true)
	rec := &recorder{}
	sup.metrics = rec

	sup.Execute(context.Background(), id)

	j := get(t, repo, id)
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Empty(t, j.Error)
	assert.Equal(t, "done\n", j.Stdout)
	assert.Equal(t, "warming up\n", j.Stderr)
	require.NotNil(t, j.ReturnCode)
	assert.Equal(t, 0, *j.ReturnCode)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.CompletedAt)
	assert.False(t, j.CompletedAt.Before(*j.StartedAt))
	assert.Equal(t, "fake [predict boltz_input.yaml]", j.Command)

	doc, err := repo.Result(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, doc.Affinity)
	assert.Equal(t, result.BindingStrong, doc.Affinity.Ensemble.BindingStrength)
	assert.Len(t, doc.Confidence, 2)
	assert.Contains(t, doc.Confidence[0].ChainsPTM, "A", "chain index keys mapped to chain ids")

	logged, err := os.ReadFile(filepath.Join(repo.Dir(id), store.StdoutLog))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(logged))

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, []string{"completed"}, rec.finished)
}

// terminalWriteFails is a store that cannot record terminal states.
type terminalWriteFails struct {
	*store.FileStore
}

func (r *terminalWriteFails) Update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	return r.FileStore.Update(ctx, id, func(j *job.Job) error {
		if err := fn(j); err != nil {
			return err
		}
		if j.Status.IsTerminal() {
			return errors.New("disk full")
		}
		return nil
	})
}

func TestExecuteCompletedNotRecordedDropsResults(t *testing.T) {
	sup, repo, id := setup(t, exit(t, 0, "done\n", "", &testutil.Artifacts{Models: 1}), Config{}, false)
	sup.repo = &terminalWriteFails{FileStore: repo}

	sup.Execute(context.Background(), id)

	assert.Equal(t, job.StatusRunning, get(t, repo, id).Status)
	_, err := repo.Result(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(repo.Dir(id), store.ResultFile))
}

func TestExecuteClassification(t *testing.T) {
	tests := []struct {
		name        string
		engine      *fakeEngine
		hasAffinity bool
		want        job.Status
		wantErr     string
	}{
		{
			name:    "zero exit without artifacts fails closed",
			engine:  exit(t, 0, "", "", nil),
			want:    job.StatusError,
			wantErr: "invalid engine output",
		},
		{
			name:        "zero exit missing requested affinity",
			engine:      exit(t, 0, "", "", &testutil.Artifacts{}),
			hasAffinity: true,
			want:        job.StatusError,
			wantErr:     "affinity_boltz_input.json",
		},
		{
			name:    "nonzero exit",
			engine:  exit(t, 1, "", "CUDA out of memory\n", nil),
			want:    job.StatusError,
			wantErr: "engine exited with code 1",
		},
		{
			name:    "engine rejects constraint",
			engine:  exit(t, 1, "", "Traceback (most recent call last):\nValueError: Invalid pocket constraint for chain B\n", nil),
			want:    job.StatusFailed,
			wantErr: "prediction rejected by engine: ValueError: Invalid pocket constraint for chain B",
		},
		{
			name:    "rejection reported on stdout",
			engine:  exit(t, 2, "problem is INFEASIBLE\n", "", nil),
			want:    job.StatusFailed,
			wantErr: "problem is INFEASIBLE",
		},
		{
			name: "engine cannot start",
			engine: &fakeEngine{fn: func(context.Context, job.Invocation) (*job.Outcome, error) {
				return nil, errors.New("exec: \"boltz\": executable file not found in $PATH")
			}},
			want:    job.StatusError,
			wantErr: "engine failed: exec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, repo, id := setup(t, tt.engine, Config{}, tt.hasAffinity)
			sup.Execute(context.Background(), id)

			j := get(t, repo, id)
			assert.Equal(t, tt.want, j.Status)
			assert.Contains(t, j.Error, tt.wantErr)

			_, err := repo.Result(context.Background(), id)
			assert.Error(t, err, "no result document for a job that did not complete")
		})
	}
}

func TestExecuteTimeout(t *testing.T) {
	sup, repo, id := setup(t, blocking(), Config{Timeout: 50 * time.Millisecond}, false)
	sup.Execute(context.Background(), id)

	j := get(t, repo, id)
	assert.Equal(t, job.StatusTimeout, j.Status)
	assert.Equal(t, "prediction timed out after 50ms", j.Error)
	assert.Equal(t, "predicting...\n", j.Stdout)
	assert.Nil(t, j.ReturnCode)
}

func TestExecuteShutdown(t *testing.T) {
	sup, repo, id := setup(t, blocking(), Config{Timeout: time.Minute}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Execute(ctx, id)
	}()

	testutil.MustWaitForValue(t, func() job.Status { return get(t, repo, id).Status }, job.StatusRunning)
	cancel()
	<-done

	j := get(t, repo, id)
	assert.Equal(t, job.StatusError, j.Status)
	assert.Equal(t, MsgShutdown, j.Error)
}

func TestExecuteOnlyFromQueued(t *testing.T) {
	calls := 0
	engine := &fakeEngine{fn: func(context.Context, job.Invocation) (*job.Outcome, error) {
		calls++
		return &job.Outcome{}, nil
	}}
	sup, repo, id := setup(t, engine, Config{}, false)

	_, err := repo.Update(context.Background(), id, func(j *job.Job) error {
		j.Status = job.StatusError
		return nil
	})
	require.NoError(t, err)

	sup.Execute(context.Background(), id)
	assert.Zero(t, calls, "a terminal job is never restarted")
	assert.Equal(t, job.StatusError, get(t, repo, id).Status)
}

func TestReconcile(t *testing.T) {
	repo, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	add := func(id string, offset time.Duration, status job.Status) {
		require.NoError(t, repo.Create(ctx, &job.Job{ID: id, Status: job.StatusQueued, CreatedAt: base.Add(offset)},
			job.CreateInput{Spec: []byte("{}"), Document: []byte("version: 1\n")}))
		if status == job.StatusQueued {
			return
		}
		_, err := repo.Update(ctx, id, func(j *job.Job) error { j.Status = job.StatusRunning; return nil })
		require.NoError(t, err)
		if status != job.StatusRunning {
			_, err = repo.Update(ctx, id, func(j *job.Job) error { j.Status = status; return nil })
			require.NoError(t, err)
		}
	}
	add("q-old", 0, job.StatusQueued)
	add("running", time.Minute, job.StatusRunning)
	add("q-new", 2*time.Minute, job.StatusQueued)
	add("done", 3*time.Minute, job.StatusCompleted)
	add("q-broken", 4*time.Minute, job.StatusQueued)
	require.NoError(t, os.Remove(filepath.Join(repo.Dir("q-broken"), job.InputFileName)))

	sup, err := New(repo, exit(t, 0, "", "", nil), Config{}, nil)
	require.NoError(t, err)

	requeue, err := sup.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"q-old", "q-new"}, requeue)

	r := get(t, repo, "running")
	assert.Equal(t, job.StatusError, r.Status)
	assert.Equal(t, MsgRestart, r.Error)
	assert.NotNil(t, r.CompletedAt)

	assert.Equal(t, job.StatusError, get(t, repo, "q-broken").Status)
	assert.Equal(t, job.StatusCompleted, get(t, repo, "done").Status)
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(nil, nil, Config{RejectionPatterns: []string{"("}}, nil)
	assert.Error(t, err)
}

func TestRejection(t *testing.T) {
	sup, err := New(nil, nil, Config{}, nil)
	require.NoError(t, err)

	tests := []struct {
		output string
		want   string
		ok     bool
	}{
		{"pydantic.ValidationError: 1 validation error", "pydantic.ValidationError: 1 validation error", true},
		{"step 1\nconstraint set is unsatisfiable\nbye", "constraint set is unsatisfiable", true},
		{"invalid bond constraint between A and B", "invalid bond constraint between A and B", true},
		{"raise ValueError: inline is not at line start", "", false},
		{"RuntimeError: CUDA error", "", false},
	}
	for _, tt := range tests {
		line, ok := sup.rejection(tt.output)
		assert.Equal(t, tt.ok, ok, tt.output)
		assert.Equal(t, tt.want, line)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 10*time.Minute, cfg.Timeout)
	assert.Equal(t, DefaultRejectionPatterns, cfg.RejectionPatterns)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BOLTZ_TIMEOUT", "90s")
	t.Setenv("BOLTZ_REJECTION_PATTERNS", "out of range; bad residue")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"out of range", " bad residue"}, cfg.RejectionPatterns)
}
