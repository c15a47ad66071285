package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentsh/oslayer/internal/config"
	"github.com/agentsh/oslayer/internal/crashdb"
)

func newCrashesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashes",
		Short: "Inspect indexed crash, ensure and hang reports",
	}
	cmd.AddCommand(newCrashesListCmd())
	cmd.AddCommand(newCrashesShowCmd())
	return cmd
}

func openIndex(cmd *cobra.Command) (*crashdb.Store, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openIndexAt(cfg)
}

func openIndexAt(cfg *config.Config) (*crashdb.Store, error) {
	if cfg.Crash.IndexPath == "" {
		return nil, fmt.Errorf("crash.index_path is not set")
	}
	return crashdb.Open(cfg.Crash.IndexPath)
}

func newCrashesListCmd() *cobra.Command {
	var (
		kind   string
		limit  int
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed reports, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			q := crashdb.Query{Kind: kind, Limit: limit}
			if since > 0 {
				t := time.Now().Add(-since)
				q.Since = &t
			}
			recs, err := idx.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				if recs == nil {
					recs = []crashdb.Record{}
				}
				return writeJSONOut(cmd.OutOrStdout(), recs)
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind (Crash, Assert, Ensure, Hang, GPUCrash)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum reports to list")
	cmd.Flags().DurationVar(&since, "since", 0, "Only reports newer than this age, e.g. 24h")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newCrashesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <guid>",
		Short: "Show one indexed report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := openIndex(cmd)
			if err != nil {
				return err
			}
			defer idx.Close()

			rec, err := idx.Get(cmd.Context(), args[0])
			if errors.Is(err, crashdb.ErrNotFound) {
				return exitWith(exitFailure, "no report with guid %s", args[0])
			}
			if err != nil {
				return err
			}
			return writeJSONOut(cmd.OutOrStdout(), rec)
		},
	}
}

func printRecords(w io.Writer, recs []crashdb.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No reports.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tGUID\tTHREAD\tDESCRIPTION")
	for _, r := range recs {
		thread := r.ThreadName
		if thread == "" {
			thread = fmt.Sprintf("%d", r.ThreadID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Local().Format(time.DateTime), r.Kind, r.GUID, thread, firstLine(r.Description))
	}
	tw.Flush()
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' || c == '\r' {
			return s[:i]
		}
	}
	return s
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
