package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pchinjr/no-wing/internal/core"
)

// RegisterDeployCommands adds stack deployment commands.
func RegisterDeployCommands(root *cobra.Command) {
	root.AddCommand(newDeployCmd())
	root.AddCommand(newRollbackCmd())
	root.AddCommand(newValidateCmd())
}

func deployFlags(cmd *cobra.Command, cfg *deployInput) {
	cmd.Flags().StringVar(&cfg.templatePath, "template", "", "Path to the CloudFormation template")
	cmd.Flags().StringVar(&cfg.templateURL, "template-url", "", "Pre-uploaded template URL (skips upload)")
	cmd.Flags().StringArrayVar(&cfg.parameters, "param", nil, "Stack parameter key=value (repeatable)")
	cmd.Flags().StringArrayVar(&cfg.tags, "tag", nil, "Stack tag key=value (repeatable)")
	cmd.Flags().StringArrayVar(&cfg.capabilities, "capability", nil, "IAM capability, e.g. CAPABILITY_NAMED_IAM (repeatable)")
	cmd.Flags().StringVar(&cfg.templateBucket, "template-bucket", "", "S3 bucket for template upload (defaults to config)")
	cmd.Flags().BoolVar(&cfg.disableRollback, "disable-rollback", false, "Leave failed creates in place instead of rolling back")
}

type deployInput struct {
	templatePath    string
	templateURL     string
	parameters      []string
	tags            []string
	capabilities    []string
	templateBucket  string
	disableRollback bool
}

func (in deployInput) toConfig(stackName, defaultBucket string) (core.DeploymentConfig, error) {
	params, err := parseKeyValues(in.parameters)
	if err != nil {
		return core.DeploymentConfig{}, fmt.Errorf("--param: %w", err)
	}
	tags, err := parseKeyValues(in.tags)
	if err != nil {
		return core.DeploymentConfig{}, fmt.Errorf("--tag: %w", err)
	}

	bucket := in.templateBucket
	if bucket == "" {
		bucket = defaultBucket
	}

	return core.DeploymentConfig{
		StackName:       stackName,
		TemplatePath:    in.templatePath,
		TemplateURL:     in.templateURL,
		Parameters:      params,
		Tags:            tags,
		Capabilities:    in.capabilities,
		TemplateBucket:  bucket,
		DisableRollback: in.disableRollback,
	}, nil
}

func newDeployCmd() *cobra.Command {
	var input deployInput

	cmd := &cobra.Command{
		Use:   "deploy <stack-name>",
		Short: "Deploy a CloudFormation stack under the agent identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := input.toConfig(args[0], rt.cfg.TemplateBucket)
			if err != nil {
				return err
			}

			result, err := rt.coordinator.DeployStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			printDeploymentResult(result)
			if !result.Success {
				return fmt.Errorf("deployment of %s failed", result.StackName)
			}
			return nil
		},
	}

	deployFlags(cmd, &input)

	return cmd
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <stack-name>",
		Short: "Roll back or remove a failed stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.coordinator.RollbackDeployment(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printDeploymentResult(result)
			if !result.Success {
				return fmt.Errorf("rollback of %s needs manual intervention", result.StackName)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var input deployInput

	cmd := &cobra.Command{
		Use:   "validate <stack-name>",
		Short: "Validate a deployment without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg, err := input.toConfig(args[0], rt.cfg.TemplateBucket)
			if err != nil {
				return err
			}

			result, err := rt.coordinator.ValidateDeployment(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			for _, e := range result.Errors {
				fmt.Printf("error: %s\n", e)
			}
			for _, warn := range result.Warnings {
				fmt.Printf("warning: %s\n", warn)
			}
			for _, rec := range result.Recommendations {
				fmt.Printf("recommendation: %s\n", rec)
			}

			if !result.IsValid {
				return fmt.Errorf("validation failed with %d error(s)", len(result.Errors))
			}
			fmt.Println("Validation passed.")
			return nil
		},
	}

	deployFlags(cmd, &input)

	return cmd
}

func printDeploymentResult(result *core.DeploymentResult) {
	fmt.Printf("Stack:    %s\n", result.StackName)
	if result.StackID != "" {
		fmt.Printf("StackID:  %s\n", result.StackID)
	}
	fmt.Printf("Status:   %s\n", result.StackStatus)
	fmt.Printf("Success:  %t\n", result.Success)
	fmt.Printf("Duration: %s\n", result.CompletedAt.Sub(result.StartedAt).Round(time.Second))
	if result.Error != "" {
		fmt.Printf("Error:    %s\n", result.Error)
	}
	if len(result.Outputs) > 0 {
		fmt.Println("Outputs:")
		for k, v := range result.Outputs {
			fmt.Printf("  %s = %s\n", k, v)
		}
	}
	if len(result.AuditTrail) > 0 {
		fmt.Println("Audit trail:")
		for _, line := range result.AuditTrail {
			fmt.Printf("  - %s\n", line)
		}
	}
}
