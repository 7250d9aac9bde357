package docker

import (
	"sync"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
)

// stateRepo tracks the container of every job the engine is running.
type stateRepo struct {
	mu   sync.RWMutex
	jobs map[string]string // job id -> container id, "" while the container is being created
}

func newStateRepo() *stateRepo {
	return &stateRepo{
		jobs: make(map[string]string),
	}
}

// reserve claims a job id. A job can have at most one container at a time.
func (r *stateRepo) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "engine is already running this job")
	}
	r.jobs[jobID] = ""
	return nil
}

// commit records the container created for a reserved job.
func (r *stateRepo) commit(jobID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = containerID
}

// release forgets a job. Returns its container id if one was committed.
func (r *stateRepo) release(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	containerID, exists := r.jobs[jobID]
	if exists {
		delete(r.jobs, jobID)
	}
	return containerID, exists
}

// containers returns the ids of all committed containers.
func (r *stateRepo) containers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.jobs))
	for _, id := range r.jobs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
