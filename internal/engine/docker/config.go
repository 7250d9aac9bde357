package docker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/cnpem/boltz-slurm/internal/config"
)

// Config holds configuration for the container engine.
type Config struct {
	Image      string        `env:"BOLTZ_IMAGE" envDefault:"boltz:latest"`
	Entrypoint string        `env:"BOLTZ_DOCKER_ENTRYPOINT" envDefault:"boltz"`
	User       string        `env:"BOLTZ_DOCKER_USER"`                  // uid[:gid], image default when empty
	GPUs       string        `env:"BOLTZ_GPUS" envDefault:"all"`        // "all", a count, device ids, or "none"
	CacheDir   string        `env:"BOLTZ_CACHE_DIR"`                    // host directory mounted as the model cache
	KillGrace  time.Duration `env:"BOLTZ_KILL_GRACE" envDefault:"5s"`   // stop timeout before the daemon kills
	PullImage  bool          `env:"BOLTZ_PULL_IMAGE" envDefault:"true"` // pull the image when it is not present
}

// LoadConfigFromEnv loads container engine configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "boltz:latest"
	}
	if c.Entrypoint == "" {
		c.Entrypoint = "boltz"
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// cacheTarget is where the model cache is mounted inside the container.
const cacheTarget = "/root/.boltz"

// workDir is where the job directory is mounted inside the container.
const workDir = "/work"

// deviceRequests translates a GPU selector into Docker device requests.
func deviceRequests(gpus string) ([]container.DeviceRequest, error) {
	gpus = strings.TrimSpace(gpus)
	switch strings.ToLower(gpus) {
	case "", "none":
		return nil, nil
	case "all":
		return []container.DeviceRequest{{Count: -1, Capabilities: [][]string{{"gpu"}}}}, nil
	}

	if n, err := strconv.Atoi(gpus); err == nil {
		if n < 1 {
			return nil, fmt.Errorf("invalid GPU count %d", n)
		}
		return []container.DeviceRequest{{Count: n, Capabilities: [][]string{{"gpu"}}}}, nil
	}

	var ids []string
	for _, id := range strings.Split(gpus, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("invalid GPU selector %q", gpus)
	}
	return []container.DeviceRequest{{DeviceIDs: ids, Capabilities: [][]string{{"gpu"}}}}, nil
}
