package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRequests(t *testing.T) {
	t.Parallel()

	gpu := [][]string{{"gpu"}}
	tests := []struct {
		in      string
		want    []container.DeviceRequest
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "none", want: nil},
		{in: "NONE", want: nil},
		{in: "all", want: []container.DeviceRequest{{Count: -1, Capabilities: gpu}}},
		{in: "2", want: []container.DeviceRequest{{Count: 2, Capabilities: gpu}}},
		{in: "0,3", want: []container.DeviceRequest{{DeviceIDs: []string{"0", "3"}, Capabilities: gpu}}},
		{in: "GPU-abc, GPU-def", want: []container.DeviceRequest{{DeviceIDs: []string{"GPU-abc", "GPU-def"}, Capabilities: gpu}}},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: ",", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := deviceRequests(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, "boltz:latest", cfg.Image)
	assert.Equal(t, "boltz", cfg.Entrypoint)
	assert.Equal(t, 5*time.Second, cfg.KillGrace)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BOLTZ_IMAGE", "ghcr.io/example/boltz:2.1")
	t.Setenv("BOLTZ_GPUS", "1")
	t.Setenv("BOLTZ_CACHE_DIR", "/data/boltz-cache")
	t.Setenv("BOLTZ_PULL_IMAGE", "false")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/example/boltz:2.1", cfg.Image)
	assert.Equal(t, "1", cfg.GPUs)
	assert.Equal(t, "/data/boltz-cache", cfg.CacheDir)
	assert.False(t, cfg.PullImage)
	assert.Equal(t, "boltz", cfg.Entrypoint)
}

func TestCommandLine(t *testing.T) {
	t.Parallel()

	e := &Engine{cfg: Config{Image: "boltz:latest", Entrypoint: "boltz", GPUs: "all"}}
	assert.Equal(t,
		`docker run --rm -v <job>:/work -w /work --gpus all --entrypoint boltz boltz:latest predict boltz_input.yaml --out_dir boltz_output`,
		e.CommandLine([]string{"predict", "boltz_input.yaml", "--out_dir", "boltz_output"}))

	e.cfg.GPUs = "none"
	assert.Equal(t,
		`docker run --rm -v <job>:/work -w /work --entrypoint boltz boltz:latest --name "a b"`,
		e.CommandLine([]string{"--name", "a b"}))
}
