package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Artifact names produced by the engine for the canonical input document.
const (
	InputStem         = "boltz_input"
	AffinityFile      = "affinity_" + InputStem + ".json"
	ConfidencePattern = "confidence_" + InputStem + "_model_%d.json"
	ModelStructure    = InputStem + "_model_0.pdb"
	PlainStructure    = InputStem + ".pdb"

	// PredictionsDir is where the engine nests its predictions, relative
	// to the output directory.
	PredictionsDir = "boltz_results_" + InputStem + "/predictions/" + InputStem
)

// ErrArtifactMissing is returned when a required artifact is not present.
var ErrArtifactMissing = errors.New("required artifact missing")

// maxModels bounds the per-model probing loops.
const maxModels = 100

// Options describe what the job asked for.
type Options struct {
	HasAffinity bool
	// ChainIDs lists chain ids in entity order with copies expanded. Index
	// keys reported by the engine are translated through it.
	ChainIDs []string
}

// Normalize parses the artifacts under outputDir into a Document. Any
// required artifact that is missing or unparsable is an error; no partial
// document is returned.
func Normalize(outputDir string, opts Options) (*Document, error) {
	structure, err := FindStructure(outputDir)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(outputDir, structure)
	if err != nil {
		return nil, fmt.Errorf("relativize structure: %w", err)
	}

	doc := &Document{Structure: filepath.ToSlash(rel)}

	for n := 0; n < maxModels; n++ {
		path, ok := Locate(outputDir, fmt.Sprintf(ConfidencePattern, n))
		if !ok {
			break
		}
		c, err := parseConfidence(path, n, opts.ChainIDs)
		if err != nil {
			return nil, err
		}
		doc.Confidence = append(doc.Confidence, *c)
	}
	if len(doc.Confidence) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, fmt.Sprintf(ConfidencePattern, 0))
	}

	if opts.HasAffinity {
		path, ok := Locate(outputDir, AffinityFile)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, AffinityFile)
		}
		aff, err := parseAffinity(path)
		if err != nil {
			return nil, err
		}
		doc.Affinity = aff
	}

	return doc, nil
}

// Locate returns the path of a named artifact, looking in the predictions
// directory first and then in the output directory itself.
func Locate(outputDir, name string) (string, bool) {
	for _, dir := range []string{filepath.Join(outputDir, filepath.FromSlash(PredictionsDir)), outputDir} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// FindStructure returns the primary structure file under outputDir.
func FindStructure(outputDir string) (string, error) {
	for _, name := range []string{ModelStructure, PlainStructure} {
		if path, ok := Locate(outputDir, name); ok {
			return path, nil
		}
	}

	matches, err := doublestar.Glob(os.DirFS(outputDir), "**/*.pdb", doublestar.WithFilesOnly())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("search structures: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: structure (.pdb)", ErrArtifactMissing)
	}
	sort.Strings(matches)
	return filepath.Join(outputDir, filepath.FromSlash(matches[0])), nil
}

type rawConfidence struct {
	ConfidenceScore *float64                      `json:"confidence_score"`
	PTM             *float64                      `json:"ptm"`
	IPTM            *float64                      `json:"iptm"`
	LigandIPTM      *float64                      `json:"ligand_iptm"`
	ProteinIPTM     *float64                      `json:"protein_iptm"`
	ComplexPLDDT    *float64                      `json:"complex_plddt"`
	ComplexIPLDDT   *float64                      `json:"complex_iplddt"`
	ComplexPDE      *float64                      `json:"complex_pde"`
	ComplexIPDE     *float64                      `json:"complex_ipde"`
	ChainsPTM       map[string]float64            `json:"chains_ptm"`
	PairChainsIPTM  map[string]map[string]float64 `json:"pair_chains_iptm"`
}

func parseConfidence(path string, model int, chainIDs []string) (*Confidence, error) {
	var raw rawConfidence
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	if raw.ConfidenceScore == nil {
		return nil, fmt.Errorf("%s: confidence_score missing", filepath.Base(path))
	}

	c := &Confidence{
		Model:           model,
		ConfidenceScore: *raw.ConfidenceScore,
		Category:        ConfidenceCategory(*raw.ConfidenceScore),
		PTM:             raw.PTM,
		IPTM:            raw.IPTM,
		LigandIPTM:      raw.LigandIPTM,
		ProteinIPTM:     raw.ProteinIPTM,
		ComplexPLDDT:    raw.ComplexPLDDT,
		ComplexIPLDDT:   raw.ComplexIPLDDT,
		ComplexPDE:      raw.ComplexPDE,
		ComplexIPDE:     raw.ComplexIPDE,
	}

	if len(raw.ChainsPTM) > 0 {
		c.ChainsPTM = make(map[string]float64, len(raw.ChainsPTM))
		for k, v := range raw.ChainsPTM {
			c.ChainsPTM[chainKey(k, chainIDs)] = v
		}
	}
	if len(raw.PairChainsIPTM) > 0 {
		c.PairChainsIPTM = make(map[string]map[string]float64, len(raw.PairChainsIPTM))
		for k, row := range raw.PairChainsIPTM {
			mapped := make(map[string]float64, len(row))
			for k2, v := range row {
				mapped[chainKey(k2, chainIDs)] = v
			}
			c.PairChainsIPTM[chainKey(k, chainIDs)] = mapped
		}
	}
	return c, nil
}

// chainKey translates an index key into the chain id at that position.
// Keys that are not in-range indices are kept as reported.
func chainKey(key string, chainIDs []string) string {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(chainIDs) {
		return key
	}
	return chainIDs[i]
}

const (
	predValueKey   = "affinity_pred_value"
	probabilityKey = "affinity_probability_binary"
)

func parseAffinity(path string) (*Affinity, error) {
	var raw map[string]json.RawMessage
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}

	ensemble, ok, err := affinityValue(raw, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %s missing", filepath.Base(path), predValueKey)
	}

	aff := &Affinity{Ensemble: ensemble}
	for k := 1; k < maxModels; k++ {
		v, ok, err := affinityValue(raw, strconv.Itoa(k))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if !ok {
			break
		}
		aff.Models = append(aff.Models, v)
	}
	return aff, nil
}

func affinityValue(raw map[string]json.RawMessage, suffix string) (AffinityValue, bool, error) {
	pred, err := optionalFloat(raw, predValueKey+suffix)
	if err != nil || pred == nil {
		return AffinityValue{}, false, err
	}
	prob, err := optionalFloat(raw, probabilityKey+suffix)
	if err != nil {
		return AffinityValue{}, false, err
	}
	return newAffinityValue(*pred, prob), true, nil
}

func optionalFloat(raw map[string]json.RawMessage, key string) (*float64, error) {
	msg, ok := raw[key]
	if !ok || strings.TrimSpace(string(msg)) == "null" {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(msg, &v); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &v, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
