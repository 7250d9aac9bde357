package store

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func newJob(id string, created time.Time) *job.Job {
	return &job.Job{
		ID:        id,
		Name:      "test " + id,
		Status:    job.StatusQueued,
		CreatedAt: created,
		Entities:  []job.EntitySummary{{Type: job.EntityProtein, ID: "A", SequenceLength: 4}},
		ChainIDs:  []string{"A"},
		Args:      []string{"predict", job.InputFileName},
	}
}

func create(t *testing.T, s *FileStore, id string, created time.Time, spec string) *job.Job {
	t.Helper()
	j := newJob(id, created)
	require.NoError(t, s.Create(context.Background(), j, job.CreateInput{
		Spec:     []byte(spec),
		Document: []byte("version: 1\n"),
	}))
	return j
}

func TestCreateLayout(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	src := filepath.Join(t.TempDir(), "query.a3m")
	require.NoError(t, os.WriteFile(src, []byte(">q\nMKT\n"), 0o644))

	j := newJob("job-1", time.Now().UTC())
	err := s.Create(context.Background(), j, job.CreateInput{
		Spec:     []byte(`{"sequences":[]}`),
		Document: []byte("version: 1\n"),
		Inputs:   map[string]string{"00_query.a3m": src},
	})
	require.NoError(t, err)

	dir := s.Dir("job-1")
	assert.Equal(t, dir, j.Dir)
	assert.Equal(t, filepath.Join(dir, job.InputFileName), j.InputFile)
	assert.Equal(t, filepath.Join(dir, job.OutputDirName), j.OutputDir)

	for _, name := range []string{InfoFile, SpecFile, job.InputFileName, "inputs/00_query.a3m"} {
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(name)))
	}
	assert.DirExists(t, filepath.Join(dir, job.OutputDirName))

	copied, err := os.ReadFile(filepath.Join(dir, "inputs", "00_query.a3m"))
	require.NoError(t, err)
	assert.Equal(t, ">q\nMKT\n", string(copied))

	info, err := os.ReadFile(filepath.Join(dir, InfoFile))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(info, &raw))
	assert.Equal(t, "queued", raw["status"])
	assert.NotContains(t, raw, "spec")
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	create(t, s, "dup", time.Now(), "{}")

	err := s.Create(context.Background(), newJob("dup", time.Now()), job.CreateInput{})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCreateCleansUpOnFailure(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	err := s.Create(context.Background(), newJob("broken", time.Now()), job.CreateInput{
		Spec:     []byte("{}"),
		Document: []byte("version: 1\n"),
		Inputs:   map[string]string{"00_missing.a3m": filepath.Join(t.TempDir(), "missing.a3m")},
	})
	require.ErrorIs(t, err, apperrors.ErrInternal)
	assert.NoDirExists(t, s.Dir("broken"))

	_, err = s.Get(context.Background(), "broken")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCreateRejectsUnsafeID(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		err := s.Create(context.Background(), newJob(id, time.Now()), job.CreateInput{})
		assert.ErrorIs(t, err, apperrors.ErrValidation, "id %q", id)
	}
}

func TestSpecIsByteIdentical(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	spec := "{\n  \"sequences\" : [ {\"entity_type\":\"protein\", \"id\":\"A\", \"sequence\":\"MK\"} ]\n}\n"
	create(t, s, "spec", time.Now(), spec)

	ctx := context.Background()
	transitions := []job.Status{job.StatusRunning, job.StatusCompleted}
	for _, to := range transitions {
		_, err := s.Update(ctx, "spec", func(j *job.Job) error {
			j.Status = to
			return nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "spec")
		require.NoError(t, err)
		assert.Equal(t, spec, string(got.Spec))
	}
}

func TestUpdateEnforcesTransitions(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	create(t, s, "sm", time.Now(), "{}")

	set := func(to job.Status) error {
		_, err := s.Update(ctx, "sm", func(j *job.Job) error {
			j.Status = to
			return nil
		})
		return err
	}

	assert.ErrorIs(t, set(job.StatusCompleted), apperrors.ErrConflict, "queued cannot complete")
	require.NoError(t, set(job.StatusRunning))
	assert.ErrorIs(t, set(job.StatusQueued), apperrors.ErrConflict, "no regression to queued")
	require.NoError(t, set(job.StatusTimeout))
	assert.ErrorIs(t, set(job.StatusCompleted), apperrors.ErrConflict, "terminal is final")

	got, err := s.Get(ctx, "sm")
	require.NoError(t, err)
	assert.Equal(t, job.StatusTimeout, got.Status)
}

func TestUpdateMutationError(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	create(t, s, "m", time.Now(), "{}")

	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "m", func(j *job.Job) error {
		j.Status = job.StatusRunning
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(context.Background(), "m")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
}

func TestUpdateDoesNotPersistReadFields(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	create(t, s, "rf", time.Now(), `{"a":1}`)

	pos := 3
	_, err := s.Update(context.Background(), "rf", func(j *job.Job) error {
		j.Spec = json.RawMessage(`{"b":2}`)
		j.QueuePosition = &pos
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "rf")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got.Spec))
	assert.Nil(t, got.QueuePosition)
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	create(t, s, "cc", time.Now(), "{}")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), "cc", func(j *job.Job) error {
				j.Args = append(j.Args, "x")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(context.Background(), "cc")
	require.NoError(t, err)
	assert.Len(t, got.Args, 2+20)
}

func TestListNewestFirst(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	create(t, s, "old", base, "{}")
	create(t, s, "new", base.Add(2*time.Hour), "{}")
	create(t, s, "mid", base.Add(time.Hour), "{}")

	// Noise that must be ignored.
	require.NoError(t, os.Mkdir(filepath.Join(s.Root(), "not-a-job"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "stray.txt"), nil, 0o644))

	jobs, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	assert.Nil(t, jobs[0].Spec)
}

func TestResultRoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	create(t, s, "r", time.Now(), "{}")

	_, err := s.Result(ctx, "r")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	ptm := 0.5
	doc := &result.Document{
		Structure:  "boltz_input_model_0.pdb",
		Confidence: []result.Confidence{{Model: 0, ConfidenceScore: 0.91, Category: result.ConfidenceVeryHigh, PTM: &ptm}},
	}
	require.NoError(t, s.SaveResult(ctx, "r", doc))

	got, err := s.Result(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	assert.ErrorIs(t, s.SaveResult(ctx, "absent", doc), apperrors.ErrNotFound)
}

func TestRemoveResult(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	create(t, s, "rm", time.Now(), "{}")

	require.NoError(t, s.RemoveResult(ctx, "rm"))
	require.NoError(t, s.SaveResult(ctx, "rm", &result.Document{Structure: "boltz_input_model_0.pdb"}))
	require.NoError(t, s.RemoveResult(ctx, "rm"))

	_, err := s.Result(ctx, "rm")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(s.Dir("rm"), ResultFile))
}

func TestDelete(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	create(t, s, "gone", time.Now(), "{}")
	create(t, s, "kept", time.Now(), "{}")

	require.NoError(t, s.Delete(ctx, "gone"))
	assert.NoDirExists(t, s.Dir("gone"))

	_, err := s.Get(ctx, "gone")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	jobs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "kept", jobs[0].ID)

	assert.ErrorIs(t, s.Delete(ctx, "gone"), apperrors.ErrNotFound)
}

func TestOpenLogAppends(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	create(t, s, "log", time.Now(), "{}")

	for _, chunk := range []string{"first\n", "second\n"} {
		w, err := s.OpenLog("log", "stderr")
		require.NoError(t, err)
		_, err = io.WriteString(w, chunk)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(filepath.Join(s.Dir("log"), StderrLog))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))

	_, err = s.OpenLog("log", "stdin")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.OpenLog("nope", "stdout")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetInvalidID(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, err := s.Get(context.Background(), "../../etc")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = s.JobDir("..")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReady(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	require.NoError(t, s.Ready(context.Background()))

	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file must be removed")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("JOBS_DIR", "/var/lib/boltz/jobs")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/boltz/jobs", cfg.Root)
}
