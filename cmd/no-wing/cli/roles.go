package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/core"
)

// RegisterRoleCommands adds role catalog commands.
func RegisterRoleCommands(root *cobra.Command) {
	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect assumable IAM roles and active role sessions",
	}

	rolesCmd.AddCommand(newRolesListCmd())
	rolesCmd.AddCommand(newRolesMatchCmd())
	rolesCmd.AddCommand(newRolesSessionsCmd())

	root.AddCommand(rolesCmd)
}

func newRolesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List IAM roles visible to the active context",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			roles, err := rt.catalog.ListAvailableRoles(cmd.Context())
			if err != nil {
				return err
			}
			if len(roles) == 0 {
				fmt.Println("No roles visible to the current identity.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tARN\tCREATED\tTAGS")
			for _, role := range roles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					role.Name,
					truncate(role.ARN, 60),
					role.CreatedAt.Format("2006-01-02"),
					len(role.Tags),
				)
			}
			w.Flush()
			return nil
		},
	}
}

func newRolesMatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "match <service> <operation>",
		Short: "Show which role would be selected for an operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			op := core.OperationContext{Service: args[0], Operation: args[1]}
			role, err := rt.catalog.FindBestRole(cmd.Context(), op)
			if err != nil {
				return err
			}
			if role == nil {
				fmt.Printf("No role matches %s:%s.\n", op.Service, op.Operation)
				candidates, err := rt.catalog.Candidates(cmd.Context(), op)
				if err == nil && len(candidates) > 0 {
					fmt.Println("Closest candidates:")
					for _, name := range candidates {
						fmt.Printf("  %s\n", name)
					}
				}
				return nil
			}

			fmt.Printf("Best match: %s\n", role.Name)
			fmt.Printf("  ARN:     %s\n", role.ARN)
			fmt.Printf("  Created: %s\n", role.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newRolesSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active role sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			removed := rt.catalog.CleanupExpiredSessions()
			if removed > 0 {
				fmt.Printf("Swept %d expired session(s).\n", removed)
			}

			sessions := rt.catalog.ActiveSessions()
			if len(sessions) == 0 {
				fmt.Println("No active role sessions.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tSESSION\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					truncate(s.RoleARN, 60), s.SessionName, s.ExpiresAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
}
