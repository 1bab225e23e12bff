package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"taintbox/internal/storage"

	"github.com/spf13/cobra"
)

// NewAuditCmd creates the audit command group.
func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the escape-hatch audit trail",
		Long: `Every time host code takes a tainted value out of the sandbox without
verifying it, the call site is recorded. These commands read that record.`,
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditSummaryCmd())
	cmd.AddCommand(newAuditPruneCmd())

	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		filter     storage.AuditFilter
		since      time.Duration
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded escapes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := GetCLIContext(cmd).GetStorage()
			if err != nil {
				return err
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := db.ListAuditEvents(filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if events == nil {
					events = []storage.AuditEvent{}
				}
				return enc.Encode(events)
			}

			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No escapes recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tBACKEND\tKIND\tTYPE\tSITE\tREASON")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.OccurredAt.Local().Format("2006-01-02 15:04:05"),
					e.Backend, e.Kind, e.Type, e.Site, e.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&filter.SandboxID, "sandbox", "", "only escapes from this sandbox id")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "only this escape kind")
	cmd.Flags().StringVar(&filter.Site, "site", "", "only sites containing this text")
	cmd.Flags().DurationVar(&since, "since", 0, "only escapes within this long")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of escapes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	return cmd
}

func newAuditSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count escapes by call site",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := GetCLIContext(cmd).GetStorage()
			if err != nil {
				return err
			}
			sites, err := db.SummarizeAuditEvents()
			if err != nil {
				return err
			}
			if len(sites) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No escapes recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "COUNT\tKIND\tSITE\tFUNCTION\tLAST SEEN")
			for _, s := range sites {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					s.Count, s.Kind, s.Site, s.Function,
					s.LastSeen.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newAuditPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old escape records",
		Long:  "Delete escape records older than --older-than, which defaults to audit.retention.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := GetCLIContext(cmd)
			if olderThan <= 0 {
				olderThan = cliCtx.Config.Audit.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("no retention configured; pass --older-than")
			}
			db, err := cliCtx.GetStorage()
			if err != nil {
				return err
			}
			n, err := db.PruneAuditEvents(time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d escape records older than %s\n", n, olderThan)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default audit.retention)")

	return cmd
}
