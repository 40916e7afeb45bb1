package deploy

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"github.com/pchinjr/no-wing/internal/core"
)

var stackNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)

// maxInlineTemplateBytes is the provider limit for an inline template body;
// larger templates must go through the object-store upload path.
const maxInlineTemplateBytes = 51200

// ValidateDeployment checks a deployment config without mutating anything.
// It runs under the human context: validation is an operator activity, not
// an agent one. Errors block deployment; warnings and recommendations do not.
func (c *Coordinator) ValidateDeployment(ctx context.Context, cfg core.DeploymentConfig) (*core.ValidationResult, error) {
	result := &core.ValidationResult{}

	err := c.factory.WithContext(ctx, core.ContextHuman, func(ctx context.Context) error {
		c.validateConfig(cfg, result)

		if cfg.TemplatePath == "" {
			return nil
		}
		data, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("template not readable: %v", err))
			return nil
		}

		if len(data) > maxInlineTemplateBytes && cfg.TemplateBucket == "" {
			result.Errors = append(result.Errors,
				fmt.Sprintf("template is %d bytes; configure a template bucket for templates over %d bytes",
					len(data), maxInlineTemplateBytes))
		}

		cfn, err := c.cfnFor(ctx)
		if err != nil {
			return err
		}
		if _, err := cfn.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
			TemplateBody: aws.String(string(data)),
		}); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("template validation: %v", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.IsValid = len(result.Errors) == 0
	return result, nil
}

func (c *Coordinator) validateConfig(cfg core.DeploymentConfig, result *core.ValidationResult) {
	if cfg.StackName == "" {
		result.Errors = append(result.Errors, "stack name is required")
	} else {
		if !stackNamePattern.MatchString(cfg.StackName) {
			result.Errors = append(result.Errors,
				"stack name must start with a letter and contain only letters, digits, and hyphens")
		}
		if len(cfg.StackName) > 128 {
			result.Errors = append(result.Errors, "stack name exceeds 128 characters")
		}
	}

	if cfg.TemplatePath == "" && cfg.TemplateURL == "" {
		result.Errors = append(result.Errors, "either template_path or template_url is required")
	}

	if cfg.DisableRollback {
		result.Warnings = append(result.Warnings,
			"rollback on failure is disabled; a failed create leaves partial resources behind")
	}
	if len(cfg.Tags) == 0 {
		result.Recommendations = append(result.Recommendations,
			"tag the stack so audit reports can attribute its resources")
	}
	if cfg.TemplateBucket == "" && cfg.TemplatePath != "" {
		result.Recommendations = append(result.Recommendations,
			"configure a template bucket to keep an immutable copy of each deployed template")
	}
}
