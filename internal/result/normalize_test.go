package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func predictions(out string) string {
	return filepath.Join(out, filepath.FromSlash(PredictionsDir))
}

const confidenceModel0 = `{
  "confidence_score": 0.84,
  "ptm": 0.9,
  "iptm": 0.8,
  "ligand_iptm": 0.7,
  "complex_plddt": 0.85,
  "chains_ptm": {"0": 0.91, "1": 0.77},
  "pair_chains_iptm": {"0": {"0": 0.91, "1": 0.6}, "1": {"0": 0.62, "1": 0.77}}
}`

func TestNormalizeComplete(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	pred := predictions(out)
	writeFile(t, filepath.Join(pred, ModelStructure), "ATOM\n")
	writeFile(t, filepath.Join(pred, "confidence_boltz_input_model_0.json"), confidenceModel0)
	writeFile(t, filepath.Join(pred, "confidence_boltz_input_model_1.json"), `{"confidence_score": 0.55}`)
	writeFile(t, filepath.Join(pred, AffinityFile), `{
	  "affinity_pred_value": 0,
	  "affinity_probability_binary": 0.8,
	  "affinity_pred_value1": -2,
	  "affinity_probability_binary1": 0.9,
	  "affinity_pred_value2": 2.5
	}`)

	doc, err := Normalize(out, Options{HasAffinity: true, ChainIDs: []string{"A", "B"}})
	require.NoError(t, err)

	assert.Equal(t, PredictionsDir+"/"+ModelStructure, doc.Structure)

	require.Len(t, doc.Confidence, 2)
	c := doc.Confidence[0]
	assert.Equal(t, 0, c.Model)
	assert.Equal(t, 0.84, c.ConfidenceScore)
	assert.Equal(t, ConfidenceHigh, c.Category)
	require.NotNil(t, c.PTM)
	assert.Equal(t, 0.9, *c.PTM)
	assert.Nil(t, c.ProteinIPTM, "unreported metric must stay absent")
	assert.Nil(t, c.ComplexPDE)
	assert.Equal(t, map[string]float64{"A": 0.91, "B": 0.77}, c.ChainsPTM)
	assert.Equal(t, map[string]map[string]float64{
		"A": {"A": 0.91, "B": 0.6},
		"B": {"A": 0.62, "B": 0.77},
	}, c.PairChainsIPTM)

	assert.Equal(t, 1, doc.Confidence[1].Model)
	assert.Equal(t, ConfidenceVeryLow, doc.Confidence[1].Category)
	assert.Nil(t, doc.Confidence[1].ChainsPTM)

	require.NotNil(t, doc.Affinity)
	assert.Equal(t, 8.184, doc.Affinity.Ensemble.PIC50)
	assert.Equal(t, BindingModerate, doc.Affinity.Ensemble.BindingStrength)
	require.NotNil(t, doc.Affinity.Ensemble.ProbabilityBinary)
	assert.Equal(t, 0.8, *doc.Affinity.Ensemble.ProbabilityBinary)

	require.Len(t, doc.Affinity.Models, 2)
	assert.Equal(t, BindingVeryStrong, doc.Affinity.Models[0].BindingStrength)
	assert.Equal(t, BindingVeryWeak, doc.Affinity.Models[1].BindingStrength)
	assert.Nil(t, doc.Affinity.Models[1].ProbabilityBinary)
}

func TestNormalizeOmitsAbsentFieldsInJSON(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	writeFile(t, filepath.Join(out, PlainStructure), "ATOM\n")
	writeFile(t, filepath.Join(out, "confidence_boltz_input_model_0.json"), `{"confidence_score": 0.95, "iptm": 0}`)

	doc, err := Normalize(out, Options{})
	require.NoError(t, err)
	assert.Equal(t, PlainStructure, doc.Structure)
	assert.Nil(t, doc.Affinity)

	data, err := json.Marshal(doc.Confidence[0])
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "iptm", "reported zero is kept")
	assert.NotContains(t, fields, "ptm")
	assert.NotContains(t, fields, "chains_ptm")
	assert.Equal(t, ConfidenceVeryHigh, fields["confidence_category"])
}

func TestNormalizeFailsClosed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
		opts  Options
	}{
		{
			name:  "no structure",
			files: map[string]string{"confidence_boltz_input_model_0.json": `{"confidence_score": 0.9}`},
		},
		{
			name:  "no confidence",
			files: map[string]string{PlainStructure: "ATOM\n"},
		},
		{
			name: "unparsable confidence",
			files: map[string]string{
				PlainStructure:                        "ATOM\n",
				"confidence_boltz_input_model_0.json": `{"confidence_score":`,
			},
		},
		{
			name: "confidence without score",
			files: map[string]string{
				PlainStructure:                        "ATOM\n",
				"confidence_boltz_input_model_0.json": `{"ptm": 0.9}`,
			},
		},
		{
			name: "affinity requested but missing",
			files: map[string]string{
				PlainStructure:                        "ATOM\n",
				"confidence_boltz_input_model_0.json": `{"confidence_score": 0.9}`,
			},
			opts: Options{HasAffinity: true},
		},
		{
			name: "affinity without prediction",
			files: map[string]string{
				PlainStructure:                        "ATOM\n",
				"confidence_boltz_input_model_0.json": `{"confidence_score": 0.9}`,
				AffinityFile:                          `{"affinity_probability_binary": 0.5}`,
			},
			opts: Options{HasAffinity: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(out, name), content)
			}
			doc, err := Normalize(out, tt.opts)
			assert.Error(t, err)
			assert.Nil(t, doc)
		})
	}
}

func TestFindStructure(t *testing.T) {
	t.Parallel()

	t.Run("prefers model 0", func(t *testing.T) {
		t.Parallel()
		out := t.TempDir()
		writeFile(t, filepath.Join(out, PlainStructure), "plain")
		writeFile(t, filepath.Join(predictions(out), ModelStructure), "model")
		path, err := FindStructure(out)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(predictions(out), ModelStructure), path)
	})

	t.Run("falls back to any pdb", func(t *testing.T) {
		t.Parallel()
		out := t.TempDir()
		writeFile(t, filepath.Join(out, "nested", "deep", "b.pdb"), "b")
		writeFile(t, filepath.Join(out, "nested", "a.pdb"), "a")
		path, err := FindStructure(out)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(out, "nested", "a.pdb"), path)
	})

	t.Run("missing dir", func(t *testing.T) {
		t.Parallel()
		_, err := FindStructure(filepath.Join(t.TempDir(), "absent"))
		assert.ErrorIs(t, err, ErrArtifactMissing)
	})
}

func TestChainKey(t *testing.T) {
	t.Parallel()
	ids := []string{"A", "B"}
	assert.Equal(t, "A", chainKey("0", ids))
	assert.Equal(t, "B", chainKey("1", ids))
	assert.Equal(t, "2", chainKey("2", ids))
	assert.Equal(t, "-1", chainKey("-1", ids))
	assert.Equal(t, "L", chainKey("L", ids))
}
