package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cnpem/boltz-slurm/internal/files"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/pkg/client"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			jobs, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, jobs)
			}
			if len(jobs) == 0 {
				_, _ = fmt.Fprintln(out, "No jobs found")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			defer func() { _ = w.Flush() }()

			_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tCREATED\tENTITIES\tAFFINITY")
			for _, j := range jobs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
					j.ID,
					orDash(j.Name),
					j.Status,
					j.CreatedAt.Local().Format(time.DateTime),
					formatCounts(j.EntityCounts),
					j.HasAffinity,
				)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show status for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			j, err := c.Get(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), j)
			}
			printJob(cmd.OutOrStdout(), j)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newResultsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "results <job_id>",
		Short: "Print the normalized results of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			resp, err := c.Results(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newWaitCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job_id>",
		Short: "Poll a job until it reaches a terminal status",
		Long: `Poll a job until it is completed, failed, error or timeout.

Exits nonzero unless the job completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			return waitAndReport(cmd, c, strings.TrimSpace(args[0]), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Polling interval")
	return cmd
}

// waitAndReport polls until the job is terminal, printing each status change.
func waitAndReport(cmd *cobra.Command, c *client.Client, jobID string, interval time.Duration) error {
	out := cmd.OutOrStdout()
	var last job.Status
	j, err := c.Wait(cmd.Context(), jobID, interval, func(j *job.Job) {
		if j.Status == last {
			return
		}
		last = j.Status
		line := fmt.Sprintf("%s %s", time.Now().Format(time.TimeOnly), j.Status)
		if j.QueuePosition != nil {
			line += fmt.Sprintf(" (position %d)", *j.QueuePosition)
		}
		_, _ = fmt.Fprintln(out, line)
	})
	if err != nil {
		return err
	}
	if j.Status != job.StatusCompleted {
		if j.Error != "" {
			return fmt.Errorf("job %s %s: %s", j.ID, j.Status, j.Error)
		}
		return fmt.Errorf("job %s %s", j.ID, j.Status)
	}
	return nil
}

type uploadFunc func(c *client.Client, ctx context.Context, path string) (*files.Upload, error)

func newUploadCmd(opts *rootOptions, use, short string, upload uploadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <file>",
		Short: short,
		Long: short + `.

Prints the upload reference, which can be used in place of a path in a
prediction request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			up, err := upload(c, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), up.Reference)
			return nil
		},
	}
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "archive <job_id>",
		Short: "Download a tar.gz of the whole job directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			if output == "" {
				output = jobID + ".tar.gz"
			}
			return download(cmd, opts, output, func(c *client.Client, w io.Writer) (int64, error) {
				return c.DownloadArchive(cmd.Context(), jobID, w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <job_id>.tar.gz)")
	return cmd
}

func newStructureCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "structure <job_id>",
		Short: "Download the predicted structure (PDB) of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := strings.TrimSpace(args[0])
			if output == "" {
				output = jobID + ".pdb"
			}
			return download(cmd, opts, output, func(c *client.Client, w io.Writer) (int64, error) {
				return c.DownloadStructure(cmd.Context(), jobID, w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default <job_id>.pdb)")
	return cmd
}

// download writes a response body to output, removing the file on failure.
func download(cmd *cobra.Command, opts *rootOptions, output string, fetch func(*client.Client, io.Writer) (int64, error)) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	f, err := os.Create(output)
	if err != nil {
		return err
	}
	n, err := fetch(c, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(output)
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, n)
	return nil
}

func printJob(w io.Writer, j *job.Job) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", j.ID)
	if j.Name != "" {
		_, _ = fmt.Fprintf(w, "name=%s\n", j.Name)
	}
	_, _ = fmt.Fprintf(w, "status=%s\n", j.Status)
	if j.QueuePosition != nil {
		_, _ = fmt.Fprintf(w, "queue_position=%d\n", *j.QueuePosition)
	}
	_, _ = fmt.Fprintf(w, "created_at=%s\n", j.CreatedAt.UTC().Format(time.RFC3339))
	if j.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", j.StartedAt.UTC().Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		_, _ = fmt.Fprintf(w, "completed_at=%s\n", j.CompletedAt.UTC().Format(time.RFC3339))
	}
	if j.ReturnCode != nil {
		_, _ = fmt.Fprintf(w, "return_code=%d\n", *j.ReturnCode)
	}
	if j.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", j.Error)
	}
}

func formatCounts(counts map[job.EntityType]int) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for typ, n := range counts {
		parts = append(parts, fmt.Sprintf("%s:%d", typ, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
