// Package deploy implements the infrastructure-deployment state machine:
// identity switch, permission elevation, template upload, stack
// create/update, terminal-status polling, and the rollback decision tree.
// Every transition is appended to the result's audit trail and the terminal
// outcome is recorded in the audit ledger.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/audit"
	"github.com/pchinjr/no-wing/internal/awsclient"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/credstore"
	"github.com/pchinjr/no-wing/internal/elevation"
)

// CloudFormationAPI is the subset of the CloudFormation client the
// coordinator depends on.
type CloudFormationAPI interface {
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CancelUpdateStack(ctx context.Context, params *cloudformation.CancelUpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CancelUpdateStackOutput, error)
	ValidateTemplate(ctx context.Context, params *cloudformation.ValidateTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error)
}

// S3API is the subset of the S3 client used for template uploads.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Coordinator orchestrates stack deployments under the agent identity.
type Coordinator struct {
	store    *credstore.Store
	factory  *awsclient.Factory
	elevator *elevation.Elevator
	ledger   *audit.Ledger
	logger   zerolog.Logger

	pollInterval    time.Duration
	maxPollAttempts int

	// Seams for tests; defaults go through the client factory.
	cfnFor func(ctx context.Context) (CloudFormationAPI, error)
	s3For  func(ctx context.Context) (S3API, error)
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(store *credstore.Store, factory *awsclient.Factory, elevator *elevation.Elevator, ledger *audit.Ledger, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		store:           store,
		factory:         factory,
		elevator:        elevator,
		ledger:          ledger,
		logger:          logger,
		pollInterval:    DefaultPollInterval,
		maxPollAttempts: DefaultMaxPollAttempts,
	}
	c.cfnFor = func(ctx context.Context) (CloudFormationAPI, error) { return factory.CloudFormation(ctx) }
	c.s3For = func(ctx context.Context) (S3API, error) { return factory.S3(ctx) }
	return c
}

// DeployStack runs the deployment state machine. Failures are reported in
// the result, not raised; the single exception is StackOperationTimeout,
// which is fatal and returned as an error with no result.
func (c *Coordinator) DeployStack(ctx context.Context, cfg core.DeploymentConfig) (*core.DeploymentResult, error) {
	result := &core.DeploymentResult{
		StackName: cfg.StackName,
		StartedAt: time.Now().UTC(),
	}
	trail := func(format string, args ...any) {
		result.AuditTrail = append(result.AuditTrail, fmt.Sprintf(format, args...))
	}
	// The audited action flips to UpdateStack once the update path is chosen,
	// so failures after that point name the operation that actually ran.
	action := "CreateStack"
	fail := func(err error) (*core.DeploymentResult, error) {
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC()
		trail("deployment failed: %v", err)
		c.recordOutcome(action, cfg.StackName, result)
		return result, nil
	}

	trail("deployment started for stack %s", cfg.StackName)

	// Identity switch to the agent context is mandatory before any
	// deployment action.
	switched, err := c.store.SwitchTo(ctx, core.ContextAgent)
	if err != nil {
		return fail(err)
	}
	trail("switched to agent identity %s", switched.Identity.ARN)

	elevated, err := c.elevator.ElevatePermissions(ctx, core.OperationContext{
		Operation: "DeployStack",
		Service:   "cloudformation",
		Resources: []string{cfg.StackName},
		Tags:      cfg.Tags,
	})
	if err != nil {
		return fail(err)
	}
	if !elevated.Success {
		trail("elevation denied: %s", elevated.Message)
		return fail(errors.New(elevated.Message))
	}
	trail("permissions elevated via %s: %s", elevated.Method, elevated.Message)

	templateBody, templateURL, err := c.resolveTemplate(ctx, cfg, trail)
	if err != nil {
		return fail(err)
	}

	cfn, err := c.cfnFor(ctx)
	if err != nil {
		return fail(err)
	}

	exists, err := c.stackExists(ctx, cfn, cfg.StackName)
	if err != nil {
		return fail(err)
	}

	if exists {
		action = "UpdateStack"
		trail("stack %s exists, applying update", cfg.StackName)
		_, err = cfn.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:    aws.String(cfg.StackName),
			TemplateBody: optString(templateBody),
			TemplateURL:  optString(templateURL),
			Parameters:   toParameters(cfg.Parameters),
			Tags:         toTags(cfg.Tags),
			Capabilities: toCapabilities(cfg.Capabilities),
		})
		if err != nil {
			if Classify(err) == OutcomeNoOpUpdate {
				// Idempotence: an update with nothing to change succeeds.
				trail("no changes to apply; treating as successful no-op")
				result.Success = true
				result.StackStatus = "UPDATE_COMPLETE"
				result.CompletedAt = time.Now().UTC()
				c.recordOutcome(action, cfg.StackName, result)
				return result, nil
			}
			return fail(err)
		}
		trail("stack update initiated")
	} else {
		trail("stack %s not found, creating", cfg.StackName)
		onFailure := cfntypes.OnFailureRollback
		if cfg.DisableRollback {
			onFailure = cfntypes.OnFailureDoNothing
		}
		_, err = cfn.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(cfg.StackName),
			TemplateBody: optString(templateBody),
			TemplateURL:  optString(templateURL),
			Parameters:   toParameters(cfg.Parameters),
			Tags:         toTags(cfg.Tags),
			Capabilities: toCapabilities(cfg.Capabilities),
			OnFailure:    onFailure,
		})
		if err != nil {
			return fail(err)
		}
		trail("stack creation initiated")
	}

	status, err := c.waitForTerminal(ctx, cfn, cfg.StackName, false)
	if err != nil {
		var timeout *core.StackOperationTimeout
		if errors.As(err, &timeout) {
			trail("polling budget exhausted: %v", err)
			c.recordOutcome(action, cfg.StackName, result)
			return nil, err
		}
		return fail(err)
	}

	result.StackStatus = status
	result.Success = status == "CREATE_COMPLETE" || status == "UPDATE_COMPLETE"
	if result.Success {
		trail("stack %s reached %s", cfg.StackName, status)
		result.StackID, result.Outputs = c.stackOutputs(ctx, cfn, cfg.StackName)
	} else {
		result.Error = fmt.Sprintf("stack settled in %s", status)
		trail("stack %s settled in %s", cfg.StackName, status)
	}
	result.CompletedAt = time.Now().UTC()
	c.recordOutcome(action, cfg.StackName, result)
	return result, nil
}

// RollbackDeployment reads the stack's current status and branches: an
// in-flight rollback is waited out, a failed stack is deleted, and anything
// else gets a cancel attempt, which the platform does not support as a clean
// abort and therefore always requires manual intervention.
func (c *Coordinator) RollbackDeployment(ctx context.Context, stackName string) (*core.DeploymentResult, error) {
	result := &core.DeploymentResult{
		StackName: stackName,
		StartedAt: time.Now().UTC(),
	}
	trail := func(format string, args ...any) {
		result.AuditTrail = append(result.AuditTrail, fmt.Sprintf(format, args...))
	}
	fail := func(err error) (*core.DeploymentResult, error) {
		result.Error = err.Error()
		result.CompletedAt = time.Now().UTC()
		trail("rollback failed: %v", err)
		c.recordOutcome("RollbackStack", stackName, result)
		return result, nil
	}

	trail("rollback requested for stack %s", stackName)

	_, err := c.store.SwitchTo(ctx, core.ContextAgent)
	if err != nil {
		return fail(err)
	}
	trail("switched to agent identity")

	cfn, err := c.cfnFor(ctx)
	if err != nil {
		return fail(err)
	}

	status, err := c.describeStatus(ctx, cfn, stackName)
	if err != nil {
		if Classify(err) == OutcomeNotFound {
			return fail(&core.StackNotFoundError{StackName: stackName})
		}
		return fail(err)
	}
	trail("current stack status: %s", status)

	switch {
	case strings.Contains(status, "ROLLBACK_IN_PROGRESS"):
		trail("rollback already in progress, waiting for terminal state")
		terminal, err := c.waitForTerminal(ctx, cfn, stackName, false)
		if err != nil {
			var timeout *core.StackOperationTimeout
			if errors.As(err, &timeout) {
				c.recordOutcome("RollbackStack", stackName, result)
				return nil, err
			}
			return fail(err)
		}
		result.StackStatus = terminal
		result.Success = true
		trail("stack settled in %s", terminal)

	case strings.Contains(status, "FAILED"):
		trail("stack is in a failed state, deleting")
		if _, err := cfn.DeleteStack(ctx, &cloudformation.DeleteStackInput{
			StackName: aws.String(stackName),
		}); err != nil {
			return fail(err)
		}
		terminal, err := c.waitForTerminal(ctx, cfn, stackName, true)
		if err != nil {
			var timeout *core.StackOperationTimeout
			if errors.As(err, &timeout) {
				c.recordOutcome("RollbackStack", stackName, result)
				return nil, err
			}
			return fail(err)
		}
		result.StackStatus = terminal
		result.Success = terminal == "DELETE_COMPLETE"
		trail("stack deletion settled in %s", terminal)

	default:
		trail("attempting to cancel in-flight update")
		_, cancelErr := cfn.CancelUpdateStack(ctx, &cloudformation.CancelUpdateStackInput{
			StackName: aws.String(stackName),
		})
		// CancelUpdateStack cannot cleanly abort an arbitrary operation;
		// the contract here is manual intervention, not silent recovery.
		result.Success = false
		result.StackStatus = status
		if cancelErr != nil {
			result.Error = fmt.Sprintf("cancel update failed: %v; manual intervention required", cancelErr)
		} else {
			result.Error = "update cancellation requested; manual intervention required to confirm stack state"
		}
		trail(result.Error)
	}

	result.CompletedAt = time.Now().UTC()
	c.recordOutcome("RollbackStack", stackName, result)
	return result, nil
}

func (c *Coordinator) stackExists(ctx context.Context, cfn CloudFormationAPI, stackName string) (bool, error) {
	_, err := cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if Classify(err) == OutcomeNotFound {
			return false, nil
		}
		return false, fmt.Errorf("DescribeStacks(%s): %w", stackName, err)
	}
	return true, nil
}

// resolveTemplate returns either an inline template body or a template URL.
// Upload happens only when a bucket is configured and the template is a
// local file.
func (c *Coordinator) resolveTemplate(ctx context.Context, cfg core.DeploymentConfig, trail func(string, ...any)) (body, url string, err error) {
	if cfg.TemplateURL != "" {
		return "", cfg.TemplateURL, nil
	}
	if cfg.TemplatePath == "" {
		return "", "", &core.TemplateValidationError{Path: "", Err: errors.New("no template path or URL provided")}
	}

	data, err := os.ReadFile(cfg.TemplatePath)
	if err != nil {
		return "", "", &core.TemplateValidationError{Path: cfg.TemplatePath, Err: err}
	}

	if cfg.TemplateBucket == "" {
		trail("using inline template body from %s", cfg.TemplatePath)
		return string(data), "", nil
	}

	s3c, err := c.s3For(ctx)
	if err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("templates/%s/%d-%s", cfg.StackName, time.Now().Unix(), path.Base(cfg.TemplatePath))
	_, err = s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(cfg.TemplateBucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return "", "", fmt.Errorf("uploading template to s3://%s/%s: %w", cfg.TemplateBucket, key, err)
	}

	url = fmt.Sprintf("https://%s.s3.amazonaws.com/%s", cfg.TemplateBucket, key)
	trail("template uploaded to %s", url)
	return "", url, nil
}

func (c *Coordinator) stackOutputs(ctx context.Context, cfn CloudFormationAPI, stackName string) (string, map[string]string) {
	out, err := cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil || len(out.Stacks) == 0 {
		return "", nil
	}

	stack := out.Stacks[0]
	outputs := make(map[string]string, len(stack.Outputs))
	for _, o := range stack.Outputs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return aws.ToString(stack.StackId), outputs
}

// recordOutcome writes the terminal aws-operation event for a deploy or
// rollback call.
func (c *Coordinator) recordOutcome(action, stackName string, result *core.DeploymentResult) {
	actor := c.currentActor()
	resources := []string{stackName}
	if result.StackID != "" {
		resources = []string{result.StackID}
	}
	err := c.ledger.LogAWSOperation(actor, core.AuditOperation{
		Service:   "cloudformation",
		Action:    action,
		Resources: resources,
		Parameters: map[string]string{
			"stack_status": result.StackStatus,
		},
	}, core.AuditResult{
		Success:      result.Success,
		ErrorMessage: result.Error,
	}, core.RiskMedium)
	if err != nil {
		c.logger.Error().Err(err).Msg("recording deployment outcome failed")
	}
}

func (c *Coordinator) currentActor() core.AuditActor {
	cur := c.store.CurrentContext()
	if cur == nil {
		return core.AuditActor{Kind: core.ContextHuman, Identity: "uninitialized"}
	}
	return core.AuditActor{
		Kind:      cur.Kind,
		Identity:  cur.Identity.ARN,
		SessionID: cur.SessionName,
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func toParameters(params map[string]string) []cfntypes.Parameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]cfntypes.Parameter, 0, len(params))
	for k, v := range params {
		out = append(out, cfntypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(v),
		})
	}
	return out
}

func toTags(tags map[string]string) []cfntypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]cfntypes.Tag, 0, len(tags))
	for k, v := range tags {
		out = append(out, cfntypes.Tag{
			Key:   aws.String(k),
			Value: aws.String(v),
		})
	}
	return out
}

func toCapabilities(caps []string) []cfntypes.Capability {
	if len(caps) == 0 {
		return nil
	}
	out := make([]cfntypes.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, cfntypes.Capability(c))
	}
	return out
}
