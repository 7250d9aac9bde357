package job

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	req := decode(t, `{
	  "job_name": "not part of the document",
	  "sequences": [
	    {"entity_type": "protein", "id": ["A", "B"], "sequence": " MKTC \n", "msa": "upload:1111/query.a3m",
	     "modifications": [{"position": 2, "ccd": "SEP"}]},
	    {"entity_type": "ligand", "id": "L", "smiles": "CCO"}
	  ],
	  "constraints": [{"pocket": {"binder": "L", "contacts": [["A", 2], ["B", 3]], "max_distance": 6.5}}],
	  "templates": [{"cif": "upload:2222/template.cif", "chain_id": "A"}],
	  "properties": [{"affinity": {"binder": "L"}}]
	}`)
	uploads := fakeUploads{
		"upload:1111/query.a3m":    "/srv/1111/query.a3m",
		"upload:2222/template.cif": "/srv/2222/template.cif",
	}

	staged, err := stageUploads(req, uploads)
	require.NoError(t, err)
	out, err := canonicalize(req, staged)
	require.NoError(t, err)
	doc := string(out)

	// Top-level key order as the engine documents it.
	order := []string{"version:", "sequences:", "constraints:", "templates:", "properties:"}
	last := -1
	for _, key := range order {
		idx := strings.Index(doc, "\n"+key)
		if key == "version:" {
			idx = strings.Index(doc, key)
		}
		require.Greater(t, idx, last, "key %s out of order in:\n%s", key, doc)
		last = idx
	}
	assert.NotContains(t, doc, "job_name")
	assert.NotContains(t, doc, "upload:")

	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, 1, parsed["version"])

	seqs := parsed["sequences"].([]any)
	require.Len(t, seqs, 2)
	protein := seqs[0].(map[string]any)["protein"].(map[string]any)
	assert.Equal(t, []any{"A", "B"}, protein["id"])
	assert.Equal(t, "MKTC", protein["sequence"])
	assert.Equal(t, "inputs/00_query.a3m", protein["msa"])
	assert.Equal(t, []any{map[string]any{"position": 2, "ccd": "SEP"}}, protein["modifications"])

	ligand := seqs[1].(map[string]any)["ligand"].(map[string]any)
	assert.Equal(t, "L", ligand["id"])
	assert.Equal(t, "CCO", ligand["smiles"])
	assert.NotContains(t, ligand, "sequence")

	pocket := parsed["constraints"].([]any)[0].(map[string]any)["pocket"].(map[string]any)
	assert.Equal(t, "L", pocket["binder"])
	assert.Equal(t, []any{[]any{"A", 2}, []any{"B", 3}}, pocket["contacts"])
	assert.Equal(t, 6.5, pocket["max_distance"])

	tmpl := parsed["templates"].([]any)[0].(map[string]any)
	assert.Equal(t, "inputs/01_template.cif", tmpl["cif"])
	assert.Equal(t, "A", tmpl["chain_id"])

	props := parsed["properties"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"binder": "L"}, props["affinity"])

	assert.Contains(t, doc, "[A, 2]", "locators are written in flow style")
}

func TestCanonicalizeSharedUpload(t *testing.T) {
	t.Parallel()
	req := decode(t, `{"sequences": [
	  {"entity_type": "protein", "id": "A", "sequence": "MK", "msa": "upload:1/q.a3m"},
	  {"entity_type": "protein", "id": "B", "sequence": "MK", "msa": "upload:1/q.a3m"}
	]}`)

	staged, err := stageUploads(req, fakeUploads{"upload:1/q.a3m": "/srv/1/q.a3m"})
	require.NoError(t, err)
	assert.Len(t, staged.files, 1)

	out, err := canonicalize(req, staged)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(out), "msa: inputs/00_q.a3m"))
}

func TestEngineArgs(t *testing.T) {
	t.Parallel()
	assert.Equal(t,
		[]string{"predict", "boltz_input.yaml", "--out_dir", "boltz_output", "--output_format", "pdb"},
		engineArgs(false, nil))
	assert.Equal(t,
		[]string{"predict", "boltz_input.yaml", "--out_dir", "boltz_output", "--use_msa_server", "--output_format", "pdb", "--diffusion_samples", "5"},
		engineArgs(true, []string{"--diffusion_samples", "5"}))
}
