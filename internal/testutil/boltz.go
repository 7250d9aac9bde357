package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// predictionsDir mirrors where the engine nests predictions under --out_dir.
const predictionsDir = "boltz_results_boltz_input/predictions/boltz_input"

// Artifacts describes a set of engine outputs to fabricate.
type Artifacts struct {
	Models   int  // confidence files and structures, minimum 1
	Affinity bool // write affinity_boltz_input.json
	Flat     bool // write directly into the output dir instead of the predictions dir
}

func (a Artifacts) files() map[string]string {
	models := a.Models
	if models < 1 {
		models = 1
	}
	files := make(map[string]string)
	for n := range models {
		files[fmt.Sprintf("boltz_input_model_%d.pdb", n)] = "HEADER    BOLTZ PREDICTION\nATOM      1  N   MET A   1      11.104   6.134  -6.504  1.00  0.00           N\nEND\n"
		files[fmt.Sprintf("confidence_boltz_input_model_%d.json", n)] = fmt.Sprintf(
			`{"confidence_score": %.2f, "ptm": 0.88, "iptm": 0.81, "complex_plddt": 0.9, "chains_ptm": {"0": 0.9, "1": 0.8}, "pair_chains_iptm": {"0": {"1": 0.7}, "1": {"0": 0.71}}}`,
			0.92-0.1*float64(n))
	}
	if a.Affinity {
		files["affinity_boltz_input.json"] = `{"affinity_pred_value": -1.2, "affinity_probability_binary": 0.76, "affinity_pred_value1": -1.0, "affinity_probability_binary1": 0.7}`
	}
	return files
}

// WriteArtifacts fabricates engine outputs under outputDir.
func WriteArtifacts(tb testing.TB, outputDir string, a Artifacts) {
	tb.Helper()
	dir := outputDir
	if !a.Flat {
		dir = filepath.Join(outputDir, filepath.FromSlash(predictionsDir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		tb.Fatalf("create artifact dir: %v", err)
	}
	for name, content := range a.files() {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
	}
}

// ArtifactScript returns shell commands that fabricate the same outputs as
// WriteArtifacts, relative to the working directory, under boltz_output.
func ArtifactScript(a Artifacts) string {
	dir := "boltz_output"
	if !a.Flat {
		dir += "/" + predictionsDir
	}
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s\n", dir)
	for name, content := range a.files() {
		fmt.Fprintf(&b, "cat > %s/%s <<'EOF'\n%s\nEOF\n", dir, name, strings.TrimRight(content, "\n"))
	}
	return b.String()
}

// FakeBoltz writes an executable /bin/sh script standing in for the engine
// and returns its path. body runs with the engine arguments in "$@".
func FakeBoltz(tb testing.TB, body string) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "boltz")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		tb.Fatalf("write fake engine: %v", err)
	}
	return path
}
