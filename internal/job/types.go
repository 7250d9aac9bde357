package job

import (
	"encoding/json"
	"time"

	"github.com/cnpem/boltz-slurm/internal/result"
)

// Job is the persisted record of one prediction job.
//
// Spec and QueuePosition are attached on read and never written to the
// job record file.
type Job struct {
	ID           string          `json:"job_id"`
	Name         string          `json:"job_name,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"timestamp"`
	StartedAt    *time.Time      `json:"start_time,omitempty"`
	CompletedAt  *time.Time      `json:"completion_time,omitempty"`
	Entities     []EntitySummary `json:"entities"`
	ChainIDs     []string        `json:"chain_ids"`
	HasAffinity  bool            `json:"has_affinity"`
	UseMSAServer bool            `json:"use_msa_server"`
	Args         []string        `json:"args"`
	Dir          string          `json:"job_dir"`
	InputFile    string          `json:"yaml_file"`
	OutputDir    string          `json:"output_dir"`
	Command      string          `json:"command"`
	Stdout       string          `json:"stdout,omitempty"`
	Stderr       string          `json:"stderr,omitempty"`
	ReturnCode   *int            `json:"return_code,omitempty"`
	Error        string          `json:"error,omitempty"`

	Spec          json.RawMessage `json:"spec,omitempty"`
	QueuePosition *int            `json:"queue_position,omitempty"`
}

// EntitySummary describes one submitted entity for listings.
type EntitySummary struct {
	Type           EntityType `json:"type"`
	ID             string     `json:"id"`
	Copies         int        `json:"copies,omitempty"`
	SequenceLength int        `json:"sequence_length,omitempty"`
	SMILES         string     `json:"smiles,omitempty"`
	CCD            string     `json:"ccd,omitempty"`
}

// Summary is the listing view of a job.
type Summary struct {
	ID           string             `json:"job_id"`
	Name         string             `json:"job_name,omitempty"`
	Status       Status             `json:"status"`
	CreatedAt    time.Time          `json:"timestamp"`
	CompletedAt  *time.Time         `json:"completion_time,omitempty"`
	Entities     []EntitySummary    `json:"entities"`
	EntityCounts map[EntityType]int `json:"entity_counts"`
	HasAffinity  bool               `json:"has_affinity"`
}

// Summary returns the listing view of j.
func (j *Job) Summary() Summary {
	counts := make(map[EntityType]int)
	for _, e := range j.Entities {
		n := e.Copies
		if n < 1 {
			n = 1
		}
		counts[e.Type] += n
	}
	return Summary{
		ID:           j.ID,
		Name:         j.Name,
		Status:       j.Status,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
		Entities:     j.Entities,
		EntityCounts: counts,
		HasAffinity:  j.HasAffinity,
	}
}

// SubmitResponse is returned by Submit and by the predict endpoint.
type SubmitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
	Status  Status `json:"status,omitempty"`
}

// ListResponse represents the response for listing jobs
type ListResponse struct {
	Jobs []Summary `json:"jobs"`
}

// ResultsResponse pairs a job with its normalized results. Result fields
// are nil until the job has completed.
type ResultsResponse struct {
	Job              *Job                `json:"job_info"`
	Affinity         *result.Affinity    `json:"affinity_results"`
	Confidence       *result.Confidence  `json:"confidence_results"`
	ConfidenceModels []result.Confidence `json:"confidence_models,omitempty"`
	Structure        string              `json:"structure,omitempty"`
}

func summarizeEntities(entities []Entity) []EntitySummary {
	out := make([]EntitySummary, 0, len(entities))
	for _, e := range entities {
		s := EntitySummary{
			Type:   e.Type,
			SMILES: e.SMILES,
			CCD:    e.CCD,
		}
		if len(e.ID) > 0 {
			s.ID = e.ID[0]
		}
		if len(e.ID) > 1 {
			s.Copies = len(e.ID)
		}
		if e.Sequence != "" {
			s.SequenceLength = len(e.Sequence)
		}
		out = append(out, s)
	}
	return out
}
