package deploy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/audit"
	"github.com/pchinjr/no-wing/internal/awsclient"
	"github.com/pchinjr/no-wing/internal/config"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/credstore"
	"github.com/pchinjr/no-wing/internal/elevation"
	"github.com/pchinjr/no-wing/internal/rolecatalog"
)

func notFoundErr(stackName string) error {
	return apiError("ValidationError", "Stack with id "+stackName+" does not exist")
}

// fakeCFN replays a scripted sequence of DescribeStacks results; the last
// entry repeats once the script is exhausted. Entries are either a status
// string or an error.
type fakeCFN struct {
	describeScript []any
	describeIdx    int
	outputs        []cfntypes.Output

	created   []*cloudformation.CreateStackInput
	updated   []*cloudformation.UpdateStackInput
	deleted   []*cloudformation.DeleteStackInput
	cancelled []*cloudformation.CancelUpdateStackInput
	validated []*cloudformation.ValidateTemplateInput

	createErr   error
	updateErr   error
	validateErr error
}

func (f *fakeCFN) DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	if len(f.describeScript) == 0 {
		return nil, notFoundErr(aws.ToString(params.StackName))
	}
	step := f.describeScript[f.describeIdx]
	if f.describeIdx < len(f.describeScript)-1 {
		f.describeIdx++
	}
	if err, ok := step.(error); ok {
		return nil, err
	}
	return &cloudformation.DescribeStacksOutput{
		Stacks: []cfntypes.Stack{{
			StackId:     aws.String("arn:aws:cloudformation:us-east-1:111122223333:stack/demo/abc"),
			StackName:   params.StackName,
			StackStatus: cfntypes.StackStatus(step.(string)),
			Outputs:     f.outputs,
		}},
	}, nil
}

func (f *fakeCFN) CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, params)
	return &cloudformation.CreateStackOutput{StackId: aws.String("arn:aws:cloudformation:us-east-1:111122223333:stack/demo/abc")}, nil
}

func (f *fakeCFN) UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, params)
	return &cloudformation.UpdateStackOutput{}, nil
}

func (f *fakeCFN) DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.deleted = append(f.deleted, params)
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeCFN) CancelUpdateStack(ctx context.Context, params *cloudformation.CancelUpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CancelUpdateStackOutput, error) {
	f.cancelled = append(f.cancelled, params)
	return &cloudformation.CancelUpdateStackOutput{}, nil
}

func (f *fakeCFN) ValidateTemplate(ctx context.Context, params *cloudformation.ValidateTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	f.validated = append(f.validated, params)
	return &cloudformation.ValidateTemplateOutput{}, nil
}

type fakeS3 struct {
	puts []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, params)
	return &s3.PutObjectOutput{}, nil
}

type fakeSTS struct{}

func (fakeSTS) GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{
		Arn:     aws.String("arn:aws:iam::111122223333:user/no-wing-agent"),
		Account: aws.String("111122223333"),
		UserId:  aws.String("AIDAAGENT"),
	}, nil
}

func (fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	expiry := time.Now().Add(time.Hour)
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("ASIATEMP"),
			SecretAccessKey: aws.String("temp-secret"),
			SessionToken:    aws.String("temp-token"),
			Expiration:      &expiry,
		},
	}, nil
}

type fakeIAM struct{}

func (fakeIAM) ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error) {
	now := time.Now()
	return &iam.ListRolesOutput{Roles: []iamtypes.Role{{
		Arn:        aws.String("arn:aws:iam::111122223333:role/cloudformation-deploystack-role"),
		RoleName:   aws.String("cloudformation-deploystack-role"),
		CreateDate: &now,
	}}}, nil
}

func (fakeIAM) ListRoleTags(ctx context.Context, params *iam.ListRoleTagsInput, optFns ...func(*iam.Options)) (*iam.ListRoleTagsOutput, error) {
	return &iam.ListRoleTagsOutput{}, nil
}

func setupCoordinatorTest(t *testing.T, cfn *fakeCFN) (*Coordinator, *fakeS3, string) {
	t.Helper()
	dir := t.TempDir()
	auditLog := filepath.Join(dir, "audit.log")

	store := credstore.NewStore(config.Default(), nil, zerolog.Nop())
	store.SetSTSFactory(func(aws.Config) credstore.STSAPI { return fakeSTS{} })
	store.SetResolver(func(ctx context.Context, src core.CredentialSourceConfig) (aws.Config, error) {
		return aws.Config{Region: src.Region}, nil
	})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	factory := awsclient.NewFactory(store, zerolog.Nop())

	catalog := rolecatalog.NewCatalog(func(ctx context.Context) (rolecatalog.IAMAPI, error) {
		return fakeIAM{}, nil
	}, zerolog.Nop())

	ledger := audit.NewLedger(auditLog, nil, zerolog.Nop())
	approvals, err := elevation.OpenApprovalStore(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatalf("opening approval store: %v", err)
	}
	t.Cleanup(func() { approvals.Close() })

	elevator := elevation.NewElevator(store, catalog, ledger, approvals, zerolog.Nop())

	c := NewCoordinator(store, factory, elevator, ledger, zerolog.Nop())
	c.pollInterval = time.Millisecond
	c.maxPollAttempts = 10
	c.cfnFor = func(ctx context.Context) (CloudFormationAPI, error) { return cfn, nil }

	s3Fake := &fakeS3{}
	c.s3For = func(ctx context.Context) (S3API, error) { return s3Fake, nil }

	return c, s3Fake, auditLog
}

// readStackEvents parses the persisted audit log. Terminal deployment events
// carry a failed result and are therefore flushed by the time this runs.
func readStackEvents(t *testing.T, path string) []core.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("opening audit log: %v", err)
	}
	defer f.Close()

	var events []core.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e core.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("malformed audit line: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.yaml")
	body := "Resources:\n  Bucket:\n    Type: AWS::S3::Bucket\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing template: %v", err)
	}
	return path
}

func trailContains(result *core.DeploymentResult, substr string) bool {
	for _, line := range result.AuditTrail {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestDeployStackCreatePath(t *testing.T) {
	cfn := &fakeCFN{
		// Existence check, one in-flight poll, then terminal.
		describeScript: []any{
			notFoundErr("demo"),
			"CREATE_IN_PROGRESS",
			"CREATE_COMPLETE",
		},
		outputs: []cfntypes.Output{{
			OutputKey:   aws.String("BucketName"),
			OutputValue: aws.String("demo-bucket"),
		}},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
		Parameters:   map[string]string{"Env": "test"},
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !result.Success {
		t.Fatalf("deploy failed: %s", result.Error)
	}
	if result.StackStatus != "CREATE_COMPLETE" {
		t.Errorf("status = %q", result.StackStatus)
	}
	if result.Outputs["BucketName"] != "demo-bucket" {
		t.Errorf("outputs = %v", result.Outputs)
	}
	if len(cfn.created) != 1 {
		t.Fatalf("CreateStack called %d times", len(cfn.created))
	}
	if len(cfn.updated) != 0 {
		t.Error("UpdateStack called on the create path")
	}

	for _, want := range []string{
		"deployment started",
		"switched to agent identity",
		"permissions elevated",
		"stack creation initiated",
		"reached CREATE_COMPLETE",
	} {
		if !trailContains(result, want) {
			t.Errorf("audit trail missing %q: %v", want, result.AuditTrail)
		}
	}
}

func TestDeployStackUpdatePath(t *testing.T) {
	cfn := &fakeCFN{
		// Existence check hits an existing stack, then the update polls out.
		describeScript: []any{
			"UPDATE_COMPLETE",
			"UPDATE_IN_PROGRESS",
			"UPDATE_COMPLETE",
		},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !result.Success {
		t.Fatalf("deploy failed: %s", result.Error)
	}
	if len(cfn.updated) != 1 || len(cfn.created) != 0 {
		t.Errorf("created=%d updated=%d, want update path", len(cfn.created), len(cfn.updated))
	}
}

func TestDeployStackNoOpUpdateSucceeds(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{"UPDATE_COMPLETE"},
		updateErr:      apiError("ValidationError", "No updates are to be performed."),
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !result.Success {
		t.Fatalf("no-op update must succeed: %s", result.Error)
	}
	if result.StackStatus != "UPDATE_COMPLETE" {
		t.Errorf("status = %q", result.StackStatus)
	}
	if !trailContains(result, "no-op") {
		t.Errorf("trail missing no-op note: %v", result.AuditTrail)
	}
}

func TestUpdateFailureIsAuditedAsUpdate(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{"UPDATE_COMPLETE"},
		updateErr:      apiError("InsufficientCapabilitiesException", "requires CAPABILITY_IAM"),
	}
	c, _, auditLog := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
	})
	if err != nil {
		t.Fatalf("settled failure must not raise: %v", err)
	}
	if result.Success {
		t.Fatal("failed update reported as success")
	}

	var ops []core.AuditEvent
	for _, e := range readStackEvents(t, auditLog) {
		if e.EventType == core.EventAWSOperation {
			ops = append(ops, e)
		}
	}
	if len(ops) != 1 {
		t.Fatalf("aws-operation events = %d, want 1", len(ops))
	}
	if got := ops[0].Operation.Action; got != "UpdateStack" {
		t.Errorf("audited action = %q, want UpdateStack", got)
	}
	if ops[0].Result.Success {
		t.Error("audited outcome marked successful")
	}
}

func TestDeployStackTimeoutIsFatal(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{
			notFoundErr("demo"),
			"CREATE_IN_PROGRESS", // repeats forever
		},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)
	c.maxPollAttempts = 3

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var timeout *core.StackOperationTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("error type = %T, want StackOperationTimeout", err)
	}
	if timeout.Attempts != 3 {
		t.Errorf("attempts = %d", timeout.Attempts)
	}
	if result != nil {
		t.Error("timeout must return a nil result")
	}
}

func TestDeployStackSettledFailureIsReported(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{
			notFoundErr("demo"),
			"CREATE_IN_PROGRESS",
			"ROLLBACK_COMPLETE",
		},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:    "demo",
		TemplatePath: writeTemplate(t),
	})
	if err != nil {
		t.Fatalf("settled failure must not raise: %v", err)
	}
	if result.Success {
		t.Error("rollback-complete reported as success")
	}
	if result.StackStatus != "ROLLBACK_COMPLETE" {
		t.Errorf("status = %q", result.StackStatus)
	}
	if result.Error == "" {
		t.Error("failure carries no error text")
	}
}

func TestDeployStackUploadsTemplateWhenBucketConfigured(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{
			notFoundErr("demo"),
			"CREATE_COMPLETE",
		},
	}
	c, s3Fake, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{
		StackName:      "demo",
		TemplatePath:   writeTemplate(t),
		TemplateBucket: "deploy-templates",
	})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !result.Success {
		t.Fatalf("deploy failed: %s", result.Error)
	}
	if len(s3Fake.puts) != 1 {
		t.Fatalf("PutObject called %d times", len(s3Fake.puts))
	}
	if got := aws.ToString(s3Fake.puts[0].Bucket); got != "deploy-templates" {
		t.Errorf("bucket = %q", got)
	}
	if len(cfn.created) != 1 {
		t.Fatal("CreateStack not called")
	}
	if cfn.created[0].TemplateURL == nil {
		t.Error("create used inline body despite configured bucket")
	}
}

func TestDeployStackMissingTemplate(t *testing.T) {
	cfn := &fakeCFN{describeScript: []any{notFoundErr("demo")}}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.DeployStack(context.Background(), core.DeploymentConfig{StackName: "demo"})
	if err != nil {
		t.Fatalf("config errors must be reported in the result: %v", err)
	}
	if result.Success {
		t.Error("deploy without template succeeded")
	}
	if result.Error == "" {
		t.Error("missing template produced no error text")
	}
}

func TestRollbackWaitsOutInFlightRollback(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{
			"UPDATE_ROLLBACK_IN_PROGRESS",
			"UPDATE_ROLLBACK_IN_PROGRESS",
			"UPDATE_ROLLBACK_COMPLETE",
		},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.RollbackDeployment(context.Background(), "demo")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !result.Success {
		t.Errorf("waiting out a rollback failed: %s", result.Error)
	}
	if result.StackStatus != "UPDATE_ROLLBACK_COMPLETE" {
		t.Errorf("status = %q", result.StackStatus)
	}
	if len(cfn.deleted) != 0 || len(cfn.cancelled) != 0 {
		t.Error("in-flight rollback triggered delete or cancel")
	}
}

func TestRollbackDeletesFailedStack(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{
			"CREATE_FAILED",
			notFoundErr("demo"), // delete poll: stack gone
		},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.RollbackDeployment(context.Background(), "demo")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !result.Success {
		t.Errorf("deleting a failed stack reported failure: %s", result.Error)
	}
	if result.StackStatus != "DELETE_COMPLETE" {
		t.Errorf("status = %q", result.StackStatus)
	}
	if len(cfn.deleted) != 1 {
		t.Errorf("DeleteStack called %d times", len(cfn.deleted))
	}
}

func TestRollbackCancelRequiresManualIntervention(t *testing.T) {
	cfn := &fakeCFN{
		describeScript: []any{"UPDATE_IN_PROGRESS"},
	}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.RollbackDeployment(context.Background(), "demo")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.Success {
		t.Error("cancel path must never report success")
	}
	if len(cfn.cancelled) != 1 {
		t.Errorf("CancelUpdateStack called %d times", len(cfn.cancelled))
	}
	if !strings.Contains(result.Error, "manual intervention") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRollbackMissingStack(t *testing.T) {
	cfn := &fakeCFN{describeScript: []any{notFoundErr("ghost")}}
	c, _, _ := setupCoordinatorTest(t, cfn)

	result, err := c.RollbackDeployment(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if result.Success {
		t.Error("rollback of a missing stack succeeded")
	}
	if !strings.Contains(result.Error, "ghost") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestValidateDeployment(t *testing.T) {
	cfn := &fakeCFN{}
	c, _, _ := setupCoordinatorTest(t, cfn)

	t.Run("valid config", func(t *testing.T) {
		result, err := c.ValidateDeployment(context.Background(), core.DeploymentConfig{
			StackName:    "demo-stack",
			TemplatePath: writeTemplate(t),
			Tags:         map[string]string{"team": "platform"},
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if !result.IsValid {
			t.Errorf("errors = %v", result.Errors)
		}
		if len(cfn.validated) != 1 {
			t.Errorf("ValidateTemplate called %d times", len(cfn.validated))
		}
	})

	t.Run("bad stack name", func(t *testing.T) {
		result, err := c.ValidateDeployment(context.Background(), core.DeploymentConfig{
			StackName:    "9bad_name",
			TemplatePath: writeTemplate(t),
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.IsValid {
			t.Error("invalid stack name passed validation")
		}
	})

	t.Run("missing template", func(t *testing.T) {
		result, err := c.ValidateDeployment(context.Background(), core.DeploymentConfig{
			StackName: "demo-stack",
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.IsValid {
			t.Error("missing template passed validation")
		}
	})

	t.Run("rejected template", func(t *testing.T) {
		cfn.validateErr = apiError("ValidationError", "Template format error: unsupported structure")
		defer func() { cfn.validateErr = nil }()

		result, err := c.ValidateDeployment(context.Background(), core.DeploymentConfig{
			StackName:    "demo-stack",
			TemplatePath: writeTemplate(t),
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if result.IsValid {
			t.Error("rejected template passed validation")
		}
	})

	t.Run("warnings and recommendations", func(t *testing.T) {
		result, err := c.ValidateDeployment(context.Background(), core.DeploymentConfig{
			StackName:       "demo-stack",
			TemplatePath:    writeTemplate(t),
			DisableRollback: true,
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if len(result.Warnings) == 0 {
			t.Error("disable-rollback produced no warning")
		}
		if len(result.Recommendations) == 0 {
			t.Error("untagged stack produced no recommendation")
		}
	})
}
