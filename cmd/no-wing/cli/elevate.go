package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/core"
)

// RegisterElevationCommands adds permission elevation and approval commands.
func RegisterElevationCommands(root *cobra.Command) {
	root.AddCommand(newElevateCmd())
	root.AddCommand(newApprovalsCmd())
}

func newElevateCmd() *cobra.Command {
	var resources []string

	cmd := &cobra.Command{
		Use:   "elevate <service> <operation>",
		Short: "Request permissions for an operation",
		Long: `Run the elevation chain for one operation: direct use of the current
identity, assumption of a matching role, or a recorded manual-approval
request when neither suffices.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			op := core.OperationContext{
				Service:   args[0],
				Operation: args[1],
				Resources: resources,
			}

			result, err := rt.elevator.ElevatePermissions(cmd.Context(), op)
			if err != nil {
				return err
			}

			if result.Success {
				fmt.Printf("Elevation succeeded via %s.\n", result.Method)
			} else {
				fmt.Printf("Elevation deferred (%s).\n", result.Method)
			}
			fmt.Printf("  %s\n", result.Message)
			if result.RoleARN != "" {
				fmt.Printf("  Role: %s\n", result.RoleARN)
			}
			if len(result.Alternatives) > 0 {
				fmt.Printf("  Alternatives: %s\n", strings.Join(result.Alternatives, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&resources, "resource", nil, "Resource the operation touches (repeatable)")

	return cmd
}

func newApprovalsCmd() *cobra.Command {
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "Manage pending manual-approval requests",
	}

	approvalsCmd.AddCommand(newApprovalsListCmd())
	approvalsCmd.AddCommand(newApprovalsResolveCmd("approve", core.ApprovalApproved))
	approvalsCmd.AddCommand(newApprovalsResolveCmd("deny", core.ApprovalDenied))

	return approvalsCmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			pending, err := rt.elevator.ListPendingRequests()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSERVICE\tOPERATION\tRISK\tREQUESTED BY\tREQUESTED AT")
			for _, req := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					req.ID[:8], req.Service, req.Operation, req.Risk,
					req.RequestedBy, req.RequestedAt.Format("2006-01-02 15:04"))
			}
			w.Flush()
			return nil
		},
	}
}

func newApprovalsResolveCmd(verb string, status core.ApprovalStatus) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   verb + " <request-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			cur := rt.store.CurrentContext()
			resolvedBy := "unknown"
			if cur != nil {
				resolvedBy = cur.Identity.ARN
			}

			if err := rt.elevator.ResolveRequest(args[0], status, resolvedBy, reason); err != nil {
				return err
			}
			fmt.Printf("Request %s %s.\n", args[0], status)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Resolution reason")

	return cmd
}
