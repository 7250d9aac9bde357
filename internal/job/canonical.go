package job

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Engine file layout inside a job directory.
const (
	InputFileName = "boltz_input.yaml"
	OutputDirName = "boltz_output"
	InputsDirName = "inputs"
)

// document is the canonical engine input. Field order is the key order of
// the emitted YAML.
type document struct {
	Version     int              `yaml:"version"`
	Sequences   []documentEntity `yaml:"sequences"`
	Constraints []Constraint     `yaml:"constraints,omitempty"`
	Templates   []Template       `yaml:"templates,omitempty"`
	Properties  []Property       `yaml:"properties,omitempty"`
}

// documentEntity encodes as a single-key map {<entity_type>: {...}}.
type documentEntity struct {
	typ  EntityType
	body entityBody
}

type entityBody struct {
	ID            IDs            `yaml:"id"`
	Sequence      string         `yaml:"sequence,omitempty"`
	SMILES        string         `yaml:"smiles,omitempty"`
	CCD           string         `yaml:"ccd,omitempty"`
	MSA           string         `yaml:"msa,omitempty"`
	Modifications []Modification `yaml:"modifications,omitempty"`
	Cyclic        bool           `yaml:"cyclic,omitempty"`
}

func (e documentEntity) MarshalYAML() (any, error) {
	return map[string]entityBody{string(e.typ): e.body}, nil
}

// staging maps upload references found in a request to the file names they
// take under the job's inputs directory.
type staging struct {
	refs  map[string]string // reference -> inputs/<name>
	files map[string]string // <name> -> stored source path
}

func stageUploads(req *Request, uploads UploadResolver) (*staging, error) {
	s := &staging{refs: map[string]string{}, files: map[string]string{}}
	if uploads == nil {
		return s, nil
	}

	add := func(ref string) error {
		if !uploads.IsReference(ref) {
			return nil
		}
		if _, done := s.refs[ref]; done {
			return nil
		}
		src, err := uploads.Resolve(ref)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%02d_%s", len(s.files), path.Base(src))
		s.files[name] = src
		s.refs[ref] = path.Join(InputsDirName, name)
		return nil
	}

	for _, e := range req.Sequences {
		if err := add(e.MSA); err != nil {
			return nil, err
		}
	}
	for _, t := range req.Templates {
		if err := add(t.Path()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *staging) rewrite(value string) string {
	if staged, ok := s.refs[value]; ok {
		return staged
	}
	return value
}

// canonicalize renders the engine input document for an accepted request.
// Upload references are replaced by their staged paths.
func canonicalize(req *Request, s *staging) ([]byte, error) {
	doc := document{
		Version:     req.Version,
		Constraints: req.Constraints,
		Properties:  req.Properties,
	}

	for _, e := range req.Sequences {
		doc.Sequences = append(doc.Sequences, documentEntity{
			typ: e.Type,
			body: entityBody{
				ID:            e.ID,
				Sequence:      strings.TrimSpace(e.Sequence),
				SMILES:        e.SMILES,
				CCD:           e.CCD,
				MSA:           s.rewrite(e.MSA),
				Modifications: e.Modifications,
				Cyclic:        e.Cyclic,
			},
		})
	}

	for _, t := range req.Templates {
		t.CIF = s.rewrite(t.CIF)
		t.PDB = s.rewrite(t.PDB)
		doc.Templates = append(doc.Templates, t)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode input document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode input document: %w", err)
	}
	return buf.Bytes(), nil
}

// engineArgs returns the engine arguments for a job. The executable itself
// is supplied by the engine.
func engineArgs(useMSAServer bool, extra []string) []string {
	args := []string{"predict", InputFileName, "--out_dir", OutputDirName}
	if useMSAServer {
		args = append(args, "--use_msa_server")
	}
	args = append(args, "--output_format", "pdb")
	return append(args, extra...)
}
