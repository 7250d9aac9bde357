package client

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnpem/boltz-slurm/internal/job"
)

func TestBuilder_AssignsChainIDs(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	assert.Equal(t, "A", b.Protein("MKTAYIAK"))
	assert.Equal(t, "B", b.Protein("MKV", WithCopies(2)))
	assert.Equal(t, "X", b.DNA("ACGT", WithChainID("X")))
	assert.Equal(t, "D", b.RNA("ACGU"))
	assert.Equal(t, "E", b.LigandCCD("ATP"))

	req, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "X", "D", "E"}, req.ChainIDs())
	assert.Equal(t, 1, req.Version)
}

func TestBuilder_ChainIDsPastZ(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	var last string
	for range 27 {
		last = b.LigandCCD("HOH")
	}
	assert.Equal(t, "AA", last)
}

func TestBuilder_Request(t *testing.T) {
	t.Parallel()

	b := NewBuilder().Name("pocket run")
	protein := b.Protein("MKTAYIAK", WithMSA("upload:abc/query.a3m"), WithModification(2, "SEP"), Cyclic())
	ligand := b.LigandSMILES("CC(=O)O")
	b.Affinity(ligand).
		Pocket(ligand, []job.Locator{Residue(protein, 3), Residue(protein, 5)}, 6.5).
		Template("upload:def/template.cif", protein)

	req, err := b.Build()
	require.NoError(t, err)

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": 1,
		"job_name": "pocket run",
		"sequences": [
			{"entity_type": "protein", "id": "A", "sequence": "MKTAYIAK", "msa": "upload:abc/query.a3m", "modifications": [{"position": 2, "ccd": "SEP"}], "cyclic": true},
			{"entity_type": "ligand", "id": "B", "smiles": "CC(=O)O"}
		],
		"constraints": [{"pocket": {"binder": "B", "contacts": [["A", 3], ["A", 5]], "max_distance": 6.5}}],
		"templates": [{"cif": "upload:def/template.cif", "chain_id": "A"}],
		"properties": [{"affinity": {"binder": "B"}}]
	}`, string(data))
}

func TestBuilder_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewBuilder().Build()
	assert.Error(t, err)

	b := NewBuilder()
	lig := b.LigandCCD("ATP")
	_, err = b.Affinity(lig).Affinity(lig).Build()
	assert.Error(t, err)
}
