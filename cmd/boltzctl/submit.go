package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cnpem/boltz-slurm/pkg/client"
)

type waitFlags struct {
	wait     bool
	interval time.Duration
}

func (f *waitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.wait, "wait", false, "Poll the job until it reaches a terminal status")
	cmd.Flags().DurationVar(&f.interval, "interval", 5*time.Second, "Polling interval for --wait")
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var wf waitFlags

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a prediction request from a JSON or YAML file",
		Long: `Submit a prediction request read from a file.

Files ending in .yaml or .yml are converted to JSON before submission; any
other file is sent as-is. Use '-' to read JSON from standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readRequest(args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.SubmitRaw(cmd.Context(), body)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			if wf.wait {
				return waitAndReport(cmd, c, resp.JobID, wf.interval)
			}
			return nil
		},
	}
	wf.register(cmd)
	return cmd
}

// readRequest loads a request file, converting YAML to JSON.
func readRequest(path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", path, err)
		}
		return out, nil
	default:
		return bytes.TrimSpace(data), nil
	}
}

func newPredictCmd(opts *rootOptions) *cobra.Command {
	var (
		name         string
		proteins     []string
		dnas         []string
		rnas         []string
		ligandSMILES []string
		ligandCCD    []string
		msa          string
		template     string
		affinity     bool
		printRequest bool
		wf           waitFlags
	)

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Build and submit a request from flags",
		Long: `Build a prediction request from flags and submit it.

Chain ids are assigned A, B, C, ... in the order proteins, DNA, RNA and
ligands are given. --affinity requests binding affinity for the first
ligand. --msa attaches an alignment (path or upload reference) to the first
protein; --template attaches a structure to all proteins.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := client.NewBuilder().Name(name)

			var proteinChains []string
			for i, seq := range proteins {
				var eopts []client.EntityOption
				if i == 0 && msa != "" {
					eopts = append(eopts, client.WithMSA(msa))
				}
				proteinChains = append(proteinChains, b.Protein(seq, eopts...))
			}
			for _, seq := range dnas {
				b.DNA(seq)
			}
			for _, seq := range rnas {
				b.RNA(seq)
			}
			var ligands []string
			for _, s := range ligandSMILES {
				ligands = append(ligands, b.LigandSMILES(s))
			}
			for _, code := range ligandCCD {
				ligands = append(ligands, b.LigandCCD(code))
			}

			if affinity {
				if len(ligands) == 0 {
					return fmt.Errorf("--affinity requires a ligand")
				}
				b.Affinity(ligands[0])
			}
			if template != "" {
				if len(proteinChains) == 0 {
					return fmt.Errorf("--template requires a protein")
				}
				b.Template(template, proteinChains...)
			}

			req, err := b.Build()
			if err != nil {
				return err
			}
			if printRequest {
				return writeJSON(cmd.OutOrStdout(), req)
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			if wf.wait {
				return waitAndReport(cmd, c, resp.JobID, wf.interval)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Job name")
	cmd.Flags().StringArrayVar(&proteins, "protein", nil, "Protein sequence (repeatable)")
	cmd.Flags().StringArrayVar(&dnas, "dna", nil, "DNA sequence (repeatable)")
	cmd.Flags().StringArrayVar(&rnas, "rna", nil, "RNA sequence (repeatable)")
	cmd.Flags().StringArrayVar(&ligandSMILES, "ligand-smiles", nil, "Ligand SMILES (repeatable)")
	cmd.Flags().StringArrayVar(&ligandCCD, "ligand-ccd", nil, "Ligand CCD code (repeatable)")
	cmd.Flags().StringVar(&msa, "msa", "", "Alignment for the first protein")
	cmd.Flags().StringVar(&template, "template", "", "Template structure for the proteins")
	cmd.Flags().BoolVar(&affinity, "affinity", false, "Predict affinity for the first ligand")
	cmd.Flags().BoolVar(&printRequest, "print", false, "Print the request instead of submitting it")
	wf.register(cmd)
	return cmd
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
