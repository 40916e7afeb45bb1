package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/config"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/vault"
)

// RegisterSetupCommands adds configuration bootstrap commands.
func RegisterSetupCommands(root *cobra.Command) {
	root.AddCommand(newInitCmd())
	root.AddCommand(newConfigCmd())
}

func newInitCmd() *cobra.Command {
	var (
		region         string
		humanProfile   string
		agentProfile   string
		agentAccessKey string
		logGroup       string
		trailName      string
		templateBucket string
		force          bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the no-wing configuration and credential vault",
		Long: `Create the ~/.no-wing configuration directory.

The human identity defaults to the ambient credential chain; pass
--human-profile to pin it to a shared-config profile. The agent identity
uses either a dedicated profile (--agent-profile) or a static key pair
stored in the encrypted vault (--agent-access-key, secret prompted).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := filepath.Join(config.ConfigDir(), config.ConfigFileName)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}

			cfg := config.Default()
			cfg.DefaultRegion = region
			cfg.Human.Region = region
			cfg.Agent.Region = region
			cfg.LogGroupName = logGroup
			cfg.TrailName = trailName
			cfg.TemplateBucket = templateBucket

			if humanProfile != "" {
				cfg.Human.Type = core.SourceProfile
				cfg.Human.Profile = humanProfile
			}

			switch {
			case agentAccessKey != "":
				secret, err := promptPassphrase("Agent secret access key: ")
				if err != nil {
					return err
				}
				pass, err := promptPassphrase("New vault passphrase: ")
				if err != nil {
					return err
				}
				confirm, err := promptPassphrase("Confirm vault passphrase: ")
				if err != nil {
					return err
				}
				if pass != confirm {
					return fmt.Errorf("passphrases do not match")
				}

				v, err := vault.Create(cfg.VaultPath, pass)
				if err != nil {
					return fmt.Errorf("creating vault: %w", err)
				}
				defer v.Close()

				const keyRef = "agent-static-keys"
				if err := v.PutCredential(keyRef, core.ContextAgent, agentAccessKey, secret); err != nil {
					return fmt.Errorf("storing agent credentials: %w", err)
				}
				if err := v.Save(); err != nil {
					return fmt.Errorf("saving vault: %w", err)
				}

				cfg.Agent.Type = core.SourceStaticKeys
				cfg.Agent.Profile = ""
				cfg.Agent.AccessKeyID = agentAccessKey
				cfg.Agent.VaultKeyRef = keyRef
			case agentProfile != "":
				cfg.Agent.Type = core.SourceProfile
				cfg.Agent.Profile = agentProfile
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, ""); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			fmt.Printf("Configuration written to %s\n", cfgPath)
			fmt.Printf("  Region:        %s\n", cfg.DefaultRegion)
			fmt.Printf("  Human source:  %s\n", describeSource(cfg.Human))
			fmt.Printf("  Agent source:  %s\n", describeSource(cfg.Agent))
			if cfg.LogGroupName != "" {
				fmt.Printf("  Audit forward: CloudWatch Logs group %s\n", cfg.LogGroupName)
			}
			fmt.Println("\nRun 'no-wing status' to verify both identities.")
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "us-east-1", "Default AWS region")
	cmd.Flags().StringVar(&humanProfile, "human-profile", "", "Shared-config profile for the human identity")
	cmd.Flags().StringVar(&agentProfile, "agent-profile", "no-wing-agent", "Shared-config profile for the agent identity")
	cmd.Flags().StringVar(&agentAccessKey, "agent-access-key", "", "Agent access key ID; secret is prompted and vaulted")
	cmd.Flags().StringVar(&logGroup, "audit-log-group", "", "CloudWatch Logs group for audit forwarding")
	cmd.Flags().StringVar(&trailName, "trail", "", "CloudTrail trail name for sink verification")
	cmd.Flags().StringVar(&templateBucket, "template-bucket", "", "S3 bucket for deployment template uploads")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration")

	return cmd
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the no-wing configuration",
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	return cfgCmd
}

func describeSource(src core.CredentialSourceConfig) string {
	switch src.Type {
	case core.SourceProfile:
		return fmt.Sprintf("profile %q", src.Profile)
	case core.SourceStaticKeys:
		return fmt.Sprintf("vaulted static keys (%s...)", truncate(src.AccessKeyID, 8))
	default:
		return "ambient credential chain"
	}
}
