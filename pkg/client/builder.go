package client

import (
	"errors"

	"github.com/cnpem/boltz-slurm/internal/job"
)

// Builder assembles a prediction request, assigning chain ids in the order
// A, B, ..., Z, AA, ... as entities are added.
type Builder struct {
	req  job.Request
	used []string
	err  error
}

// EntityOption customizes an entity added to a Builder.
type EntityOption func(*entityConfig)

type entityConfig struct {
	entity job.Entity
	ids    []string
	copies int
}

// WithChainID uses explicit chain ids instead of allocated ones.
func WithChainID(ids ...string) EntityOption {
	return func(c *entityConfig) { c.ids = ids }
}

// WithCopies adds n identical copies of the entity, each with its own chain id.
func WithCopies(n int) EntityOption {
	return func(c *entityConfig) { c.copies = n }
}

// WithMSA attaches an alignment path or upload reference to a polymer.
func WithMSA(msa string) EntityOption {
	return func(c *entityConfig) { c.entity.MSA = msa }
}

// WithModification marks a modified residue.
func WithModification(position int, ccd string) EntityOption {
	return func(c *entityConfig) {
		c.entity.Modifications = append(c.entity.Modifications, job.Modification{Position: position, CCD: ccd})
	}
}

// Cyclic marks a polymer as cyclic.
func Cyclic() EntityOption {
	return func(c *entityConfig) { c.entity.Cyclic = true }
}

// NewBuilder starts an empty request.
func NewBuilder() *Builder {
	return &Builder{req: job.Request{Version: 1}}
}

// Name sets the job name.
func (b *Builder) Name(name string) *Builder {
	b.req.JobName = name
	return b
}

// Protein adds a protein chain and returns its first chain id.
func (b *Builder) Protein(sequence string, opts ...EntityOption) string {
	return b.add(job.Entity{Type: job.EntityProtein, Sequence: sequence}, opts)
}

// DNA adds a DNA chain and returns its first chain id.
func (b *Builder) DNA(sequence string, opts ...EntityOption) string {
	return b.add(job.Entity{Type: job.EntityDNA, Sequence: sequence}, opts)
}

// RNA adds an RNA chain and returns its first chain id.
func (b *Builder) RNA(sequence string, opts ...EntityOption) string {
	return b.add(job.Entity{Type: job.EntityRNA, Sequence: sequence}, opts)
}

// LigandSMILES adds a ligand given as SMILES and returns its first chain id.
func (b *Builder) LigandSMILES(smiles string, opts ...EntityOption) string {
	return b.add(job.Entity{Type: job.EntityLigand, SMILES: smiles}, opts)
}

// LigandCCD adds a ligand given as a CCD code and returns its first chain id.
func (b *Builder) LigandCCD(ccd string, opts ...EntityOption) string {
	return b.add(job.Entity{Type: job.EntityLigand, CCD: ccd}, opts)
}

func (b *Builder) add(e job.Entity, opts []EntityOption) string {
	cfg := &entityConfig{entity: e, copies: 1}
	for _, opt := range opts {
		opt(cfg)
	}

	ids := cfg.ids
	if len(ids) == 0 {
		for range max(cfg.copies, 1) {
			id := job.NextChainID(b.used)
			ids = append(ids, id)
			b.used = append(b.used, id)
		}
	} else {
		b.used = append(b.used, ids...)
	}

	cfg.entity.ID = job.IDs(ids)
	b.req.Sequences = append(b.req.Sequences, cfg.entity)
	return ids[0]
}

// Affinity requests binding affinity for a ligand chain.
func (b *Builder) Affinity(binder string) *Builder {
	if _, ok := b.req.AffinityBinder(); ok {
		b.err = errors.New("only one affinity property is supported")
		return b
	}
	b.req.Properties = append(b.req.Properties, job.Property{Affinity: &job.AffinityProperty{Binder: binder}})
	return b
}

// Pocket constrains binder to the given contact residues.
func (b *Builder) Pocket(binder string, contacts []job.Locator, maxDistance float64) *Builder {
	p := &job.PocketConstraint{Binder: binder, Contacts: contacts}
	if maxDistance > 0 {
		p.MaxDistance = &maxDistance
	}
	b.req.Constraints = append(b.req.Constraints, job.Constraint{Pocket: p})
	return b
}

// Template adds a structural template (.cif path or upload reference) for chains.
func (b *Builder) Template(cif string, chains ...string) *Builder {
	b.req.Templates = append(b.req.Templates, job.Template{CIF: cif, ChainID: job.IDs(chains)})
	return b
}

// Build returns the assembled request. The service performs full validation.
func (b *Builder) Build() (*job.Request, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.req.Sequences) == 0 {
		return nil, errors.New("at least one entity is required")
	}
	req := b.req
	return &req, nil
}

// Residue addresses a residue of a polymer chain.
func Residue(chain string, index int) job.Locator {
	return job.Locator{Chain: chain, Residue: index, HasResidue: true}
}
