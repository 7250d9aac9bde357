package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestWriteArtifacts(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	WriteArtifacts(t, out, Artifacts{Models: 2, Affinity: true})

	for _, name := range []string{
		"boltz_input_model_0.pdb",
		"boltz_input_model_1.pdb",
		"confidence_boltz_input_model_0.json",
		"confidence_boltz_input_model_1.json",
		"affinity_boltz_input.json",
	} {
		if _, err := os.Stat(filepath.Join(out, filepath.FromSlash(predictionsDir), name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestFakeBoltzRunsArtifactScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	bin := FakeBoltz(t, `echo "args: $*"`+"\n"+ArtifactScript(Artifacts{Flat: true}))
	work := t.TempDir()

	cmd := exec.Command(bin, "predict", "boltz_input.yaml")
	cmd.Dir = work
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("fake engine failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "args: predict boltz_input.yaml") {
		t.Errorf("unexpected output %q", out)
	}

	data, err := os.ReadFile(filepath.Join(work, "boltz_output", "confidence_boltz_input_model_0.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"confidence_score": 0.92`) {
		t.Errorf("unexpected confidence %s", data)
	}
}
