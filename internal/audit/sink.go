package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/pchinjr/no-wing/internal/core"
)

// CloudTrailAPI is the subset of the CloudTrail client used for sink
// verification.
type CloudTrailAPI interface {
	DescribeTrails(ctx context.Context, params *cloudtrail.DescribeTrailsInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(ctx context.Context, params *cloudtrail.GetTrailStatusInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

// VerifyExternalAuditSink confirms the external audit trail exists and is
// actively logging. When trailName is empty, the first trail found is checked.
func VerifyExternalAuditSink(ctx context.Context, client CloudTrailAPI, trailName string) (*core.AuditSinkStatus, error) {
	input := &cloudtrail.DescribeTrailsInput{}
	if trailName != "" {
		input.TrailNameList = []string{trailName}
	}

	out, err := client.DescribeTrails(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("DescribeTrails: %w", err)
	}

	status := &core.AuditSinkStatus{CheckedAt: time.Now().UTC()}
	if len(out.TrailList) == 0 {
		status.Message = "no audit trail configured in this account"
		return status, nil
	}

	trail := out.TrailList[0]
	status.TrailName = aws.ToString(trail.Name)
	status.TrailARN = aws.ToString(trail.TrailARN)

	trailStatus, err := client.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{
		Name: trail.TrailARN,
	})
	if err != nil {
		return nil, fmt.Errorf("GetTrailStatus(%s): %w", status.TrailName, err)
	}

	status.IsLogging = trailStatus.IsLogging != nil && *trailStatus.IsLogging
	if !status.IsLogging {
		status.Message = "trail exists but is not logging"
	}
	return status, nil
}
