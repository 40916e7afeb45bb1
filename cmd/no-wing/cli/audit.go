package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/audit"
	"github.com/pchinjr/no-wing/internal/core"
)

// RegisterAuditCommands adds audit ledger commands.
func RegisterAuditCommands(root *cobra.Command) {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit ledger and verify external sinks",
	}

	auditCmd.AddCommand(newAuditQueryCmd())
	auditCmd.AddCommand(newAuditReportCmd())
	auditCmd.AddCommand(newAuditVerifyCmd())

	root.AddCommand(auditCmd)
}

func newAuditQueryCmd() *cobra.Command {
	var (
		since      string
		until      string
		eventTypes []string
		actors     []string
		services   []string
		failures   bool
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			q := core.AuditQuery{
				Services: services,
				Limit:    limit,
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since (expected RFC3339): %w", err)
				}
				q.Start = &t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid --until (expected RFC3339): %w", err)
				}
				q.End = &t
			}
			for _, et := range eventTypes {
				q.EventTypes = append(q.EventTypes, core.AuditEventType(et))
			}
			for _, actor := range actors {
				q.ActorKinds = append(q.ActorKinds, core.ContextKind(actor))
			}
			if failures {
				success := false
				q.Success = &success
			}

			events, err := rt.ledger.QueryEvents(cmd.Context(), q)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}

			if len(events) == 0 {
				fmt.Println("No matching events.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tACTOR\tSERVICE\tOPERATION\tOK")
			for _, event := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
					event.Timestamp.Format("2006-01-02 15:04:05"),
					event.EventType,
					event.Actor.Kind,
					event.Operation.Service,
					event.Operation.Action,
					event.Result.Success,
				)
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Window start (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "Window end (RFC3339)")
	cmd.Flags().StringArrayVar(&eventTypes, "type", nil, "Event type filter (repeatable)")
	cmd.Flags().StringArrayVar(&actors, "actor", nil, "Actor kind filter: human or agent (repeatable)")
	cmd.Flags().StringArrayVar(&services, "service", nil, "AWS service filter (repeatable)")
	cmd.Flags().BoolVar(&failures, "failures", false, "Only failed operations")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events returned (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON events")

	return cmd
}

func newAuditReportCmd() *cobra.Command {
	var (
		since  string
		until  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a compliance report for a time window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			end := time.Now().UTC()
			start := end.Add(-30 * 24 * time.Hour)
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since (expected RFC3339): %w", err)
				}
				start = t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid --until (expected RFC3339): %w", err)
				}
				end = t
			}

			report, err := rt.ledger.GenerateComplianceReport(cmd.Context(), start, end)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("Compliance report %s to %s\n",
				report.Start.Format("2006-01-02"), report.End.Format("2006-01-02"))
			fmt.Printf("  Total events: %d\n", report.TotalEvents)
			fmt.Printf("  Failures:     %d\n", report.FailureCount)
			for kind, n := range report.EventsByActor {
				fmt.Printf("  By %s: %d\n", kind, n)
			}
			for et, n := range report.EventsByType {
				fmt.Printf("  %s: %d\n", et, n)
			}
			if len(report.Violations) == 0 {
				fmt.Println("  No violations detected.")
				return nil
			}
			fmt.Printf("  Violations (%d):\n", len(report.Violations))
			for _, v := range report.Violations {
				fmt.Printf("    [%s] %s: %s\n", v.Severity, v.Type, v.Detail)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "Window start (RFC3339, default 30 days ago)")
	cmd.Flags().StringVar(&until, "until", "", "Window end (RFC3339, default now)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the report as JSON")

	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the external CloudTrail audit sink is logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			client, err := rt.factory.CloudTrail(cmd.Context())
			if err != nil {
				return err
			}

			if rt.cfg.TrailName == "" {
				return fmt.Errorf("no trail configured; set trail_name in the config")
			}
			status, err := audit.VerifyExternalAuditSink(cmd.Context(), client, rt.cfg.TrailName)
			if err != nil {
				return err
			}

			fmt.Printf("Trail:   %s\n", status.TrailName)
			if status.TrailARN != "" {
				fmt.Printf("ARN:     %s\n", status.TrailARN)
			}
			fmt.Printf("Logging: %t\n", status.IsLogging)
			if status.Message != "" {
				fmt.Printf("Note:    %s\n", status.Message)
			}
			if !status.IsLogging {
				return fmt.Errorf("external audit sink is not logging")
			}
			return nil
		},
	}
}
