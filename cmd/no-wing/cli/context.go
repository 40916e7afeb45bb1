package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/core"
)

// RegisterContextCommands adds credential context management commands.
func RegisterContextCommands(root *cobra.Command) {
	root.AddCommand(newSwitchCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWhoamiCmd())
}

func newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "switch <human|agent>",
		Short:     "Switch the active credential context",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"human", "agent"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := core.ContextKind(args[0])
			if kind != core.ContextHuman && kind != core.ContextAgent {
				return fmt.Errorf("unknown context %q (expected human or agent)", args[0])
			}

			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			// The store records the credential-switch audit event itself.
			cur, err := rt.store.SwitchTo(cmd.Context(), kind)
			if err != nil {
				return err
			}

			fmt.Printf("Switched to %s context.\n", cur.Kind)
			fmt.Printf("  Identity: %s\n", cur.Identity.ARN)
			fmt.Printf("  Account:  %s\n", cur.Identity.AccountID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Verify both credential contexts and show the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			statuses := rt.store.CredentialStatus(cmd.Context())
			active := rt.store.CurrentContext()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CONTEXT\tVALID\tIDENTITY\tACCOUNT\tEXPIRES")
			for _, st := range statuses {
				marker := string(st.Kind)
				if active != nil && active.Kind == st.Kind {
					marker += " *"
				}
				expires := "-"
				if st.ExpiresAt != nil {
					expires = st.ExpiresAt.Format(time.RFC3339)
				}
				identity := st.Identity.ARN
				if !st.Valid {
					identity = st.Message
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
					marker, st.Valid, truncate(identity, 60), st.Identity.AccountID, expires)
			}
			w.Flush()
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the active context's verified identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			cur := rt.store.CurrentContext()
			if cur == nil {
				return fmt.Errorf("no active context")
			}

			fmt.Printf("Context:   %s\n", cur.Kind)
			fmt.Printf("ARN:       %s\n", cur.Identity.ARN)
			fmt.Printf("Account:   %s\n", cur.Identity.AccountID)
			fmt.Printf("Principal: %s\n", cur.Identity.PrincipalID)
			fmt.Printf("Verified:  %s\n", cur.VerifiedAt.Format(time.RFC3339))
			if cur.AssumedRoleARN != "" {
				fmt.Printf("Role:      %s (session %s)\n", cur.AssumedRoleARN, cur.SessionName)
			}
			if cur.ExpiresAt != nil {
				fmt.Printf("Expires:   %s\n", cur.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
