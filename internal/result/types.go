// Package result turns engine output artifacts into the canonical result
// document served to clients.
//
// Metrics that the engine did not report are nil and omitted from JSON:
// absence means "not computed", never zero.
package result

// Document is the normalized result of a completed job.
type Document struct {
	Structure  string       `json:"structure"` // primary structure, relative to the job's output dir
	Affinity   *Affinity    `json:"affinity,omitempty"`
	Confidence []Confidence `json:"confidence"` // one per structural model, model 0 first
}

// Affinity holds the ensemble prediction and any per-model predictions.
type Affinity struct {
	Ensemble AffinityValue   `json:"ensemble"`
	Models   []AffinityValue `json:"models,omitempty"`
}

// AffinityValue is one affinity prediction with its derived metrics.
type AffinityValue struct {
	PredValue         float64  `json:"pred_value"` // raw log10(IC50) in uM
	ProbabilityBinary *float64 `json:"probability_binary,omitempty"`
	PIC50             float64  `json:"pic50"`
	BindingStrength   string   `json:"binding_strength"`
}

// Confidence holds the quality metrics of one structural model.
type Confidence struct {
	Model           int                           `json:"model"`
	ConfidenceScore float64                       `json:"confidence_score"`
	Category        string                        `json:"confidence_category"`
	PTM             *float64                      `json:"ptm,omitempty"`
	IPTM            *float64                      `json:"iptm,omitempty"`
	LigandIPTM      *float64                      `json:"ligand_iptm,omitempty"`
	ProteinIPTM     *float64                      `json:"protein_iptm,omitempty"`
	ComplexPLDDT    *float64                      `json:"complex_plddt,omitempty"`
	ComplexIPLDDT   *float64                      `json:"complex_iplddt,omitempty"`
	ComplexPDE      *float64                      `json:"complex_pde,omitempty"`
	ComplexIPDE     *float64                      `json:"complex_ipde,omitempty"`
	ChainsPTM       map[string]float64            `json:"chains_ptm,omitempty"`
	PairChainsIPTM  map[string]map[string]float64 `json:"pair_chains_iptm,omitempty"`
}
