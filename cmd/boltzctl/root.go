package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cnpem/boltz-slurm/pkg/client"
)

const serverEnv = "BOLTZ_SERVER"

type rootOptions struct {
	server  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "boltzctl",
		Short: "Submit and inspect Boltz prediction jobs",
		Long: `boltzctl talks to a running boltz-service.

Jobs are queued by the service and run one at a time (or up to the
service's configured concurrency). Use 'wait' or 'submit --wait' to poll a
job until it reaches a terminal status.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv(serverEnv)
	if defaultServer == "" {
		defaultServer = client.DefaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", defaultServer, "Service URL (env "+serverEnv+")")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Per-request timeout")

	cmd.AddCommand(
		newSubmitCmd(opts),
		newPredictCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newResultsCmd(opts),
		newWaitCmd(opts),
		newUploadCmd(opts, "upload-msa", "Upload an .a3m alignment", (*client.Client).UploadAlignment),
		newUploadCmd(opts, "upload-template", "Upload a .cif or .pdb template", (*client.Client).UploadTemplate),
		newArchiveCmd(opts),
		newStructureCmd(opts),
	)
	return cmd
}

func (o *rootOptions) client() (*client.Client, error) {
	return client.New(o.server, client.WithHTTPClient(newHTTPClient(o.timeout)))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
