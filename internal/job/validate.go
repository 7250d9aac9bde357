package job

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cnpem/boltz-slurm/internal/apperrors"
)

// Validation limits
const (
	maxSequences    = 64
	maxJobNameLen   = 256
	maxConstraints  = 256
	maxTemplates    = 32
	maxChainIDLen   = 8
	maxSequenceLen  = 20000
	maxSMILESLength = 4096
)

// chainIDPattern mirrors what the engine accepts as a chain name.
var chainIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// msaEmpty is the engine's marker for "run single-sequence, no alignment".
const msaEmpty = "empty"

// validate checks a request against the submission rules. It only reads.
func validate(req *Request, uploads UploadResolver) error {
	if req.Version != 1 {
		return apperrors.Validationf("version", "unsupported version %d", req.Version)
	}
	if len(req.Sequences) == 0 {
		return apperrors.Validation("sequences", "at least one sequence is required")
	}
	if len(req.Sequences) > maxSequences {
		return apperrors.Validationf("sequences", "sequences exceed maximum of %d", maxSequences)
	}
	if len(req.JobName) > maxJobNameLen {
		return apperrors.Validationf("job_name", "job name exceeds maximum length of %d", maxJobNameLen)
	}

	chains := make(map[string]EntityType)
	for i, e := range req.Sequences {
		if err := validateEntity(i, e, chains, uploads); err != nil {
			return err
		}
	}

	if len(req.Constraints) > maxConstraints {
		return apperrors.Validationf("constraints", "constraints exceed maximum of %d", maxConstraints)
	}
	for i, c := range req.Constraints {
		if err := validateConstraint(i, c, chains); err != nil {
			return err
		}
	}

	if len(req.Templates) > maxTemplates {
		return apperrors.Validationf("templates", "templates exceed maximum of %d", maxTemplates)
	}
	for i, t := range req.Templates {
		if err := validateTemplate(i, t, chains, uploads); err != nil {
			return err
		}
	}

	affinities := 0
	for i, p := range req.Properties {
		field := fmt.Sprintf("properties[%d]", i)
		if p.Affinity == nil {
			return apperrors.Validation(field, field+": property must set affinity")
		}
		affinities++
		if affinities > 1 {
			return apperrors.Validation(field, "only one affinity property is supported")
		}
		typ, ok := chains[p.Affinity.Binder]
		if !ok {
			return apperrors.Validationf(field+".affinity.binder", "%s: binder chain %q does not exist", field, p.Affinity.Binder)
		}
		if typ != EntityLigand {
			return apperrors.Validationf(field+".affinity.binder", "%s: binder chain %q must be a ligand", field, p.Affinity.Binder)
		}
	}

	return nil
}

func validateEntity(i int, e Entity, chains map[string]EntityType, uploads UploadResolver) error {
	field := fmt.Sprintf("sequences[%d]", i)

	if !e.Type.Valid() {
		return apperrors.Validationf(field+".entity_type", "%s: entity_type must be protein, dna, rna or ligand, got %q", field, e.Type)
	}
	if len(e.ID) == 0 {
		return apperrors.Validation(field+".id", field+": chain id is required")
	}
	for _, id := range e.ID {
		if strings.TrimSpace(id) == "" {
			return apperrors.Validation(field+".id", field+": chain id is required")
		}
		if len(id) > maxChainIDLen || !chainIDPattern.MatchString(id) {
			return apperrors.Validationf(field+".id", "%s: invalid chain id %q", field, id)
		}
		if _, dup := chains[id]; dup {
			return apperrors.Validationf(field+".id", "%s: duplicate chain id %q", field, id)
		}
		chains[id] = e.Type
	}

	if e.Type == EntityLigand {
		if e.SMILES == "" && e.CCD == "" {
			return apperrors.Validation(field, field+": ligand requires smiles or ccd")
		}
		if e.SMILES != "" && e.CCD != "" {
			return apperrors.Validation(field, field+": ligand takes smiles or ccd, not both")
		}
		if len(e.SMILES) > maxSMILESLength {
			return apperrors.Validationf(field+".smiles", "%s: smiles exceeds maximum length of %d", field, maxSMILESLength)
		}
		if e.Sequence != "" {
			return apperrors.Validation(field+".sequence", field+": ligand does not take a sequence")
		}
		if len(e.Modifications) > 0 || e.Cyclic || e.MSA != "" {
			return apperrors.Validation(field, field+": modifications, cyclic and msa apply to polymers only")
		}
		return nil
	}

	if strings.TrimSpace(e.Sequence) == "" {
		return apperrors.Validationf(field+".sequence", "%s: %s requires a sequence", field, e.Type)
	}
	if len(e.Sequence) > maxSequenceLen {
		return apperrors.Validationf(field+".sequence", "%s: sequence exceeds maximum length of %d", field, maxSequenceLen)
	}
	if e.SMILES != "" || e.CCD != "" {
		return apperrors.Validationf(field, "%s: %s does not take smiles or ccd", field, e.Type)
	}
	if e.MSA != "" && e.Type != EntityProtein {
		return apperrors.Validation(field+".msa", field+": msa is only supported for protein")
	}
	if e.MSA != "" && uploads != nil && uploads.IsReference(e.MSA) {
		if _, err := uploads.Resolve(e.MSA); err != nil {
			return apperrors.Validationf(field+".msa", "%s: unknown upload reference %q", field, e.MSA)
		}
	}
	for j, m := range e.Modifications {
		mf := fmt.Sprintf("%s.modifications[%d]", field, j)
		if m.Position < 1 || m.Position > len(e.Sequence) {
			return apperrors.Validationf(mf+".position", "%s: position %d is outside the sequence", mf, m.Position)
		}
		if m.CCD == "" {
			return apperrors.Validation(mf+".ccd", mf+": ccd is required")
		}
	}
	return nil
}

func validateConstraint(i int, c Constraint, chains map[string]EntityType) error {
	field := fmt.Sprintf("constraints[%d]", i)

	set := 0
	for _, present := range []bool{c.Bond != nil, c.Pocket != nil, c.Contact != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return apperrors.Validation(field, field+": exactly one of bond, pocket or contact is required")
	}

	switch {
	case c.Bond != nil:
		for n, atom := range []Locator{c.Bond.Atom1, c.Bond.Atom2} {
			af := fmt.Sprintf("%s.bond.atom%d", field, n+1)
			if err := validateLocator(af, atom, chains); err != nil {
				return err
			}
			if !atom.HasResidue || atom.Atom == "" {
				return apperrors.Validation(af, af+": atom must be [chain, residue, atom_name]")
			}
		}

	case c.Pocket != nil:
		if _, ok := chains[c.Pocket.Binder]; !ok {
			return apperrors.Validationf(field+".pocket.binder", "%s: binder chain %q does not exist", field, c.Pocket.Binder)
		}
		if len(c.Pocket.Contacts) == 0 {
			return apperrors.Validation(field+".pocket.contacts", field+": pocket requires at least one contact")
		}
		for j, contact := range c.Pocket.Contacts {
			if err := validateLocator(fmt.Sprintf("%s.pocket.contacts[%d]", field, j), contact, chains); err != nil {
				return err
			}
		}
		if err := validateDistance(field+".pocket.max_distance", c.Pocket.MaxDistance); err != nil {
			return err
		}

	case c.Contact != nil:
		if err := validateLocator(field+".contact.token1", c.Contact.Token1, chains); err != nil {
			return err
		}
		if err := validateLocator(field+".contact.token2", c.Contact.Token2, chains); err != nil {
			return err
		}
		if err := validateDistance(field+".contact.max_distance", c.Contact.MaxDistance); err != nil {
			return err
		}
	}
	return nil
}

func validateLocator(field string, l Locator, chains map[string]EntityType) error {
	if _, ok := chains[l.Chain]; !ok {
		return apperrors.Validationf(field, "%s: chain %q does not exist", field, l.Chain)
	}
	if l.HasResidue && l.Residue < 1 {
		return apperrors.Validationf(field, "%s: residue index must be at least 1", field)
	}
	if !l.HasResidue && l.Atom == "" {
		return apperrors.Validation(field, field+": residue index or atom name is required")
	}
	return nil
}

func validateDistance(field string, d *float64) error {
	if d != nil && *d <= 0 {
		return apperrors.Validation(field, field+": max_distance must be positive")
	}
	return nil
}

func validateTemplate(i int, t Template, chains map[string]EntityType, uploads UploadResolver) error {
	field := fmt.Sprintf("templates[%d]", i)

	if (t.CIF == "") == (t.PDB == "") {
		return apperrors.Validation(field, field+": exactly one of cif or pdb is required")
	}
	if uploads != nil && uploads.IsReference(t.Path()) {
		if _, err := uploads.Resolve(t.Path()); err != nil {
			return apperrors.Validationf(field, "%s: unknown upload reference %q", field, t.Path())
		}
	}
	for _, id := range t.ChainID {
		if _, ok := chains[id]; !ok {
			return apperrors.Validationf(field+".chain_id", "%s: chain %q does not exist", field, id)
		}
	}
	if len(t.TemplateID) > 0 && len(t.TemplateID) != len(t.ChainID) {
		return apperrors.Validation(field+".template_id", field+": template_id must pair one-to-one with chain_id")
	}
	return nil
}

// hasAlignment reports whether any entity carries its own alignment.
func hasAlignment(req *Request) bool {
	for _, e := range req.Sequences {
		if msa := strings.TrimSpace(e.MSA); msa != "" && msa != msaEmpty {
			return true
		}
	}
	return false
}
