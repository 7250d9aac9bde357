package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/observability"
	"github.com/google/uuid"
)

// Config controls how accepted jobs invoke the engine.
type Config struct {
	UseMSAServer bool     `env:"BOLTZ_USE_MSA_SERVER" envDefault:"true"`
	ExtraArgs    []string `env:"BOLTZ_EXTRA_ARGS" envSeparator:" "`
}

// LoadConfigFromEnv loads submission configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	return config.Parse[Config]()
}

// Service is the submission gateway and the read side over the repository.
//
// Reads are snapshot reads of the repository with no side effects, so
// clients may poll them at a fixed interval.
type Service struct {
	repo    Repository
	queue   Queue
	uploads UploadResolver
	metrics *observability.Metrics
	cfg     Config
	now     func() time.Time
}

// NewService creates a new job service. uploads and metrics may be nil.
func NewService(repo Repository, queue Queue, uploads UploadResolver, metrics *observability.Metrics, cfg Config) *Service {
	return &Service{
		repo:    repo,
		queue:   queue,
		uploads: uploads,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Submit validates a raw request body, creates the job and admits it.
// A rejected request creates nothing.
func (s *Service) Submit(ctx context.Context, body []byte) (*SubmitResponse, error) {
	req, err := decodeRequest(body)
	if err != nil {
		s.recordRejected(ctx, err)
		return nil, err
	}
	if err := validate(req, s.uploads); err != nil {
		s.recordRejected(ctx, err)
		return nil, err
	}

	staged, err := stageUploads(req, s.uploads)
	if err != nil {
		return nil, apperrors.Internal("job.stageUploads", err)
	}
	doc, err := canonicalize(req, staged)
	if err != nil {
		return nil, apperrors.Internal("job.canonicalize", err)
	}

	_, hasAffinity := req.AffinityBinder()
	useMSAServer := s.cfg.UseMSAServer && !hasAlignment(req)

	j := &Job{
		ID:           uuid.NewString(),
		Name:         req.JobName,
		Status:       StatusQueued,
		CreatedAt:    s.now().UTC(),
		Entities:     summarizeEntities(req.Sequences),
		ChainIDs:     req.ChainIDs(),
		HasAffinity:  hasAffinity,
		UseMSAServer: useMSAServer,
		Args:         engineArgs(useMSAServer, s.cfg.ExtraArgs),
	}

	logger := slog.With("jobId", j.ID)

	if err := s.repo.Create(ctx, j, CreateInput{
		Spec:     body,
		Document: doc,
		Inputs:   staged.files,
	}); err != nil {
		logger.Error("Job could not be stored", "error", err)
		return nil, err
	}

	if err := s.queue.Admit(j.ID); err != nil {
		logger.Error("Job could not be queued", "error", err)
		// A refused job must not be picked up by restart reconciliation.
		if delErr := s.repo.Delete(context.WithoutCancel(ctx), j.ID); delErr != nil {
			logger.Error("Unqueued job could not be removed", "error", delErr)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, hasAffinity)
	}
	logger.Info("Job queued", "entities", len(j.Entities), "affinity", hasAffinity, "msaServer", useMSAServer)

	return &SubmitResponse{
		Success: true,
		Message: fmt.Sprintf("Prediction queued. Job ID: %s", j.ID),
		JobID:   j.ID,
		Status:  StatusQueued,
	}, nil
}

// Get returns a job with its spec and, while queued, its queue position.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusQueued {
		if pos, ok := s.queue.Position(jobID); ok {
			j.QueuePosition = &pos
		}
	}
	return j, nil
}

// List returns job summaries, most recent first.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	jobs, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(jobs))
	for i := range jobs {
		summaries = append(summaries, jobs[i].Summary())
	}
	return &ListResponse{Jobs: summaries}, nil
}

// Results returns a job together with its normalized results once completed.
func (s *Service) Results(ctx context.Context, jobID string) (*ResultsResponse, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resp := &ResultsResponse{Job: j}
	if j.Status != StatusCompleted {
		return resp, nil
	}

	doc, err := s.repo.Result(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resp.Affinity = doc.Affinity
	resp.ConfidenceModels = doc.Confidence
	if len(doc.Confidence) > 0 {
		primary := doc.Confidence[0]
		resp.Confidence = &primary
	}
	resp.Structure = doc.Structure
	return resp, nil
}

func (s *Service) recordRejected(ctx context.Context, err error) {
	if s.metrics != nil {
		s.metrics.RecordJobRejected(ctx, apperrors.FieldOf(err))
	}
}

// decodeRequest parses a request body, rejecting unknown fields and
// trailing data, and applies defaults.
func decodeRequest(body []byte) (*Request, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apperrors.Validation("body", "request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.Validation("body", "invalid request body: "+err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, apperrors.Validation("body", "invalid request body: unexpected data after JSON object")
	}

	if req.Version == 0 {
		req.Version = 1
	}
	return &req, nil
}
