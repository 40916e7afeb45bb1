package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"github.com/pchinjr/no-wing/internal/core"
)

const (
	// DefaultPollInterval and DefaultMaxPollAttempts give the 30-minute
	// budget: a stack that has not settled by then is a fatal timeout.
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxPollAttempts = 60
)

// isTerminalStatus reports whether a stack status ends a polling loop.
func isTerminalStatus(status string) bool {
	return strings.HasSuffix(status, "_COMPLETE") || strings.HasSuffix(status, "_FAILED")
}

// waitForTerminal polls DescribeStacks until the stack reaches a terminal
// status, the attempt budget is exhausted, or ctx is cancelled. Transient
// describe errors within one attempt are retried with capped backoff; a
// NotFound during a delete is itself terminal.
func (c *Coordinator) waitForTerminal(ctx context.Context, cfn CloudFormationAPI, stackName string, deleting bool) (string, error) {
	start := time.Now()

	for attempt := 1; attempt <= c.maxPollAttempts; attempt++ {
		status, err := c.describeStatus(ctx, cfn, stackName)
		if err != nil {
			if deleting && Classify(err) == OutcomeNotFound {
				return "DELETE_COMPLETE", nil
			}
			return "", err
		}

		if isTerminalStatus(status) {
			return status, nil
		}

		c.logger.Debug().
			Str("stack", stackName).
			Str("status", status).
			Int("attempt", attempt).
			Msg("stack operation in progress")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return "", &core.StackOperationTimeout{
		StackName: stackName,
		Attempts:  c.maxPollAttempts,
		Elapsed:   time.Since(start),
	}
}

// describeStatus fetches the current stack status, retrying throttled or
// transient failures with capped exponential backoff inside one poll attempt.
func (c *Coordinator) describeStatus(ctx context.Context, cfn CloudFormationAPI, stackName string) (string, error) {
	var status string

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.Delay(2*time.Second),
		retry.MaxDelay(15*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return Classify(err) == OutcomeThrottled
		}),
	)

	err := r.Do(func() error {
		out, err := cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
			StackName: aws.String(stackName),
		})
		if err != nil {
			return err
		}
		if len(out.Stacks) == 0 {
			return fmt.Errorf("DescribeStacks returned no stacks for %s", stackName)
		}
		status = string(out.Stacks[0].StackStatus)
		return nil
	})
	return status, err
}
