// Package store implements the job repository on the local filesystem,
// one directory per job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/result"
)

// Files inside a job directory.
const (
	InfoFile   = "job_info.json"
	SpecFile   = "spec.json"
	ResultFile = "results.json"
	StdoutLog  = "stdout.log"
	StderrLog  = "stderr.log"
)

// Config holds store configuration.
type Config struct {
	Root string `env:"JOBS_DIR" envDefault:"jobs"`
}

// LoadConfigFromEnv loads store configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	return config.Parse[Config]()
}

// idPattern keeps job ids to a single, safe path element.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// FileStore is a job.Repository backed by a directory tree:
//
//	<root>/<job_id>/job_info.json
//	<root>/<job_id>/spec.json
//	<root>/<job_id>/boltz_input.yaml
//	<root>/<job_id>/inputs/
//	<root>/<job_id>/boltz_output/
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
//	<root>/<job_id>/results.json
//
// Every record write goes through a temp file and rename, so readers never
// observe a partially written record.
type FileStore struct {
	root   string
	mu     sync.RWMutex // serializes read-modify-write of job records
	logger *slog.Logger
}

// NewFileStore opens (and creates if needed) a store rooted at root.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("jobs root dir is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &FileStore{
		root:   abs,
		logger: slog.With("component", "store"),
	}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Dir returns the directory of a job. It does not check that the job exists.
func (s *FileStore) Dir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

// JobDir returns the directory of an existing job.
func (s *FileStore) JobDir(jobID string) (string, error) {
	if !idPattern.MatchString(jobID) {
		return "", apperrors.NotFound("job", jobID)
	}
	dir := s.Dir(jobID)
	if _, err := os.Stat(filepath.Join(dir, InfoFile)); err != nil {
		return "", apperrors.NotFound("job", jobID)
	}
	return dir, nil
}

// Create implements job.Repository.
func (s *FileStore) Create(_ context.Context, j *job.Job, in job.CreateInput) (err error) {
	if !idPattern.MatchString(j.ID) {
		return apperrors.Validationf("job_id", "invalid job id %q", j.ID)
	}

	dir := s.Dir(j.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apperrors.Conflict("job", j.ID, "job already exists")
		}
		return apperrors.Internal("store.create", err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				s.logger.Warn("Failed to remove partial job directory", "jobId", j.ID, "error", rmErr)
			}
		}
	}()

	if err := writeAtomic(filepath.Join(dir, SpecFile), in.Spec); err != nil {
		return apperrors.Internal("store.create", err)
	}
	if err := writeAtomic(filepath.Join(dir, job.InputFileName), in.Document); err != nil {
		return apperrors.Internal("store.create", err)
	}
	for _, sub := range []string{job.InputsDirName, job.OutputDirName} {
		if err := os.Mkdir(filepath.Join(dir, sub), 0o755); err != nil {
			return apperrors.Internal("store.create", err)
		}
	}
	for name, src := range in.Inputs {
		if filepath.Base(name) != name {
			return apperrors.Internal("store.create", fmt.Errorf("input name %q is not a base name", name))
		}
		if err := copyFile(src, filepath.Join(dir, job.InputsDirName, name)); err != nil {
			return apperrors.Internal("store.create", err)
		}
	}

	j.Dir = dir
	j.InputFile = filepath.Join(dir, job.InputFileName)
	j.OutputDir = filepath.Join(dir, job.OutputDirName)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeInfo(j); err != nil {
		return apperrors.Internal("store.create", err)
	}
	return nil
}

// Get implements job.Repository.
func (s *FileStore) Get(_ context.Context, jobID string) (*job.Job, error) {
	if !idPattern.MatchString(jobID) {
		return nil, apperrors.NotFound("job", jobID)
	}

	s.mu.RLock()
	j, err := s.readInfo(jobID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	spec, err := os.ReadFile(filepath.Join(s.Dir(jobID), SpecFile))
	if err != nil {
		return nil, apperrors.Internal("store.get", err)
	}
	j.Spec = spec
	return j, nil
}

// List implements job.Repository. Directories without a readable record
// are skipped.
func (s *FileStore) List(_ context.Context) ([]job.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.Internal("store.list", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]job.Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || !idPattern.MatchString(entry.Name()) {
			continue
		}
		j, err := s.readInfo(entry.Name())
		if err != nil {
			s.logger.Debug("Skipping unreadable job", "jobId", entry.Name(), "error", err)
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out, nil
}

// Update implements job.Repository. A mutation that changes the status
// along a transition the state machine forbids is rejected with a conflict
// and nothing is written.
func (s *FileStore) Update(_ context.Context, jobID string, fn func(*job.Job) error) (*job.Job, error) {
	if !idPattern.MatchString(jobID) {
		return nil, apperrors.NotFound("job", jobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.readInfo(jobID)
	if err != nil {
		return nil, err
	}
	next := *current
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	if next.Status != current.Status && !current.Status.CanTransition(next.Status) {
		return nil, apperrors.Conflict("job", jobID,
			fmt.Sprintf("cannot transition from %s to %s", current.Status, next.Status))
	}
	if err := s.writeInfo(&next); err != nil {
		return nil, apperrors.Internal("store.update", err)
	}
	return &next, nil
}

// Delete implements job.Repository.
func (s *FileStore) Delete(_ context.Context, jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return apperrors.Internal("store.delete", err)
	}
	return nil
}

// SaveResult implements job.Repository.
func (s *FileStore) SaveResult(_ context.Context, jobID string, doc *result.Document) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Internal("store.saveResult", err)
	}
	if err := writeAtomic(filepath.Join(dir, ResultFile), append(data, '\n')); err != nil {
		return apperrors.Internal("store.saveResult", err)
	}
	return nil
}

// RemoveResult implements job.Repository.
func (s *FileStore) RemoveResult(_ context.Context, jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, ResultFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Internal("store.removeResult", err)
	}
	return nil
}

// Result implements job.Repository.
func (s *FileStore) Result(_ context.Context, jobID string) (*result.Document, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("results", jobID)
		}
		return nil, apperrors.Internal("store.result", err)
	}
	var doc result.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Internal("store.result", fmt.Errorf("parse %s: %w", ResultFile, err))
	}
	return &doc, nil
}

// OpenLog implements job.Repository.
func (s *FileStore) OpenLog(jobID, stream string) (io.WriteCloser, error) {
	var name string
	switch stream {
	case "stdout":
		name = StdoutLog
	case "stderr":
		name = StderrLog
	default:
		return nil, apperrors.Validationf("stream", "unknown log stream %q", stream)
	}
	dir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, apperrors.Internal("store.openLog", err)
	}
	return f, nil
}

// Ready implements job.Repository by writing and removing a probe file.
func (s *FileStore) Ready(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("jobs root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (s *FileStore) readInfo(jobID string) (*job.Job, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(jobID), InfoFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NotFound("job", jobID)
		}
		return nil, apperrors.Internal("store.read", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, apperrors.Internal("store.read", fmt.Errorf("parse %s: %w", InfoFile, err))
	}
	return &j, nil
}

// writeInfo persists a job record. Read-side fields are never written.
func (s *FileStore) writeInfo(j *job.Job) error {
	rec := *j
	rec.Spec = nil
	rec.QueuePosition = nil

	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return writeAtomic(filepath.Join(s.Dir(j.ID), InfoFile), append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create input copy: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy input: %w", err)
	}
	return out.Close()
}
