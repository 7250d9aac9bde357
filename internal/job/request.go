package job

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// EntityType is the kind of biomolecular chain an entity contributes.
type EntityType string

// Entity types accepted by the engine.
const (
	EntityProtein EntityType = "protein"
	EntityDNA     EntityType = "dna"
	EntityRNA     EntityType = "rna"
	EntityLigand  EntityType = "ligand"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProtein, EntityDNA, EntityRNA, EntityLigand:
		return true
	}
	return false
}

// Request is a submitted prediction job specification.
type Request struct {
	Version     int          `json:"version"`
	Sequences   []Entity     `json:"sequences"`
	Constraints []Constraint `json:"constraints,omitempty"`
	Templates   []Template   `json:"templates,omitempty"`
	Properties  []Property   `json:"properties,omitempty"`
	JobName     string       `json:"job_name,omitempty"`
}

// Entity is one chain (or several identical copies) contributed to a prediction.
type Entity struct {
	Type          EntityType     `json:"entity_type"`
	ID            IDs            `json:"id"`
	Sequence      string         `json:"sequence,omitempty"`
	SMILES        string         `json:"smiles,omitempty"`
	CCD           string         `json:"ccd,omitempty"`
	MSA           string         `json:"msa,omitempty"`
	Modifications []Modification `json:"modifications,omitempty"`
	Cyclic        bool           `json:"cyclic,omitempty"`
}

// Modification is a modified residue at a 1-based sequence position.
type Modification struct {
	Position int    `json:"position" yaml:"position"`
	CCD      string `json:"ccd" yaml:"ccd"`
}

// Constraint holds exactly one of its variants.
type Constraint struct {
	Bond    *BondConstraint    `json:"bond,omitempty" yaml:"bond,omitempty"`
	Pocket  *PocketConstraint  `json:"pocket,omitempty" yaml:"pocket,omitempty"`
	Contact *ContactConstraint `json:"contact,omitempty" yaml:"contact,omitempty"`
}

// BondConstraint forces a covalent bond between two atoms.
type BondConstraint struct {
	Atom1 Locator `json:"atom1" yaml:"atom1"`
	Atom2 Locator `json:"atom2" yaml:"atom2"`
}

// PocketConstraint places a binder chain near a set of contact tokens.
type PocketConstraint struct {
	Binder      string    `json:"binder" yaml:"binder"`
	Contacts    []Locator `json:"contacts" yaml:"contacts"`
	MaxDistance *float64  `json:"max_distance,omitempty" yaml:"max_distance,omitempty"`
}

// ContactConstraint keeps two tokens within a distance of each other.
type ContactConstraint struct {
	Token1      Locator  `json:"token1" yaml:"token1"`
	Token2      Locator  `json:"token2" yaml:"token2"`
	MaxDistance *float64 `json:"max_distance,omitempty" yaml:"max_distance,omitempty"`
}

// Template references an experimental structure used to bias prediction.
// Exactly one of CIF and PDB is set.
type Template struct {
	CIF        string   `json:"cif,omitempty" yaml:"cif,omitempty"`
	PDB        string   `json:"pdb,omitempty" yaml:"pdb,omitempty"`
	ChainID    IDs      `json:"chain_id,omitempty" yaml:"chain_id,omitempty"`
	TemplateID []string `json:"template_id,omitempty" yaml:"template_id,omitempty"`
}

// Path returns whichever structure path is set.
func (t Template) Path() string {
	if t.CIF != "" {
		return t.CIF
	}
	return t.PDB
}

// Property requests an additional prediction output.
type Property struct {
	Affinity *AffinityProperty `json:"affinity,omitempty" yaml:"affinity,omitempty"`
}

// AffinityProperty asks for binding affinity of the named ligand chain.
type AffinityProperty struct {
	Binder string `json:"binder" yaml:"binder"`
}

// AffinityBinder returns the binder chain of the first affinity property.
func (r *Request) AffinityBinder() (string, bool) {
	for _, p := range r.Properties {
		if p.Affinity != nil {
			return p.Affinity.Binder, true
		}
	}
	return "", false
}

// ChainIDs returns every chain id in submission order, copies expanded.
func (r *Request) ChainIDs() []string {
	var ids []string
	for _, e := range r.Sequences {
		ids = append(ids, e.ID...)
	}
	return ids
}

// IDs is a single chain id or a list of ids declaring identical copies.
// It encodes back to the shape it was decoded from.
type IDs []string

// UnmarshalJSON accepts either "A" or ["A", "B"].
func (ids *IDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*ids = IDs{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("id must be a string or a list of strings")
	}
	*ids = list
	return nil
}

// MarshalJSON writes a single id as a string.
func (ids IDs) MarshalJSON() ([]byte, error) {
	if len(ids) == 1 {
		return json.Marshal(ids[0])
	}
	return json.Marshal([]string(ids))
}

// MarshalYAML writes a single id as a scalar.
func (ids IDs) MarshalYAML() (any, error) {
	if len(ids) == 1 {
		return ids[0], nil
	}
	return []string(ids), nil
}

// Locator addresses a position inside a chain. Atom locators are
// [chain, residue, atom]; token locators are [chain, residue] or
// [chain, atom] (ligand atoms).
type Locator struct {
	Chain      string
	Residue    int
	HasResidue bool
	Atom       string
}

// UnmarshalJSON decodes the positional array form.
func (l *Locator) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var parts []any
	if err := dec.Decode(&parts); err != nil {
		return fmt.Errorf("locator must be an array")
	}
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("locator must have 2 or 3 elements, got %d", len(parts))
	}
	chain, ok := parts[0].(string)
	if !ok {
		return fmt.Errorf("locator chain must be a string")
	}
	*l = Locator{Chain: chain}
	for _, p := range parts[1:] {
		switch v := p.(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return fmt.Errorf("locator residue index must be an integer")
			}
			if l.HasResidue || l.Atom != "" {
				return fmt.Errorf("locator residue index must follow the chain")
			}
			l.Residue, l.HasResidue = int(n), true
		case string:
			if l.Atom != "" {
				return fmt.Errorf("locator has more than one atom name")
			}
			l.Atom = v
		default:
			return fmt.Errorf("locator elements must be strings or integers")
		}
	}
	return nil
}

func (l Locator) parts() []any {
	parts := []any{l.Chain}
	if l.HasResidue {
		parts = append(parts, l.Residue)
	}
	if l.Atom != "" {
		parts = append(parts, l.Atom)
	}
	return parts
}

// MarshalJSON encodes the positional array form.
func (l Locator) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.parts())
}

// MarshalYAML encodes the positional array form as a flow sequence.
func (l Locator) MarshalYAML() (any, error) {
	var node yaml.Node
	if err := node.Encode(l.parts()); err != nil {
		return nil, err
	}
	node.Style = yaml.FlowStyle
	return &node, nil
}
