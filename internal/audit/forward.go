package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/pchinjr/no-wing/internal/core"
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client the sink uses.
type CloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchSink forwards flushed audit batches to a CloudWatch Logs stream.
type CloudWatchSink struct {
	client  CloudWatchLogsAPI
	group   string
	stream  string
	ensured bool
}

// NewCloudWatchSink creates a sink targeting the given log group and stream.
func NewCloudWatchSink(client CloudWatchLogsAPI, group, stream string) *CloudWatchSink {
	return &CloudWatchSink{client: client, group: group, stream: stream}
}

// Forward sends one flushed batch. The group and stream are created on first
// use; an already-exists response is not an error.
func (s *CloudWatchSink) Forward(ctx context.Context, events []core.AuditEvent) error {
	if !s.ensured {
		if err := s.ensureStream(ctx); err != nil {
			return err
		}
		s.ensured = true
	}

	logEvents := make([]cwltypes.InputLogEvent, 0, len(events))
	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", event.ID, err)
		}
		logEvents = append(logEvents, cwltypes.InputLogEvent{
			Message:   aws.String(string(line)),
			Timestamp: aws.Int64(event.Timestamp.UnixMilli()),
		})
	}

	_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents:     logEvents,
	})
	if err != nil {
		return fmt.Errorf("PutLogEvents(%s/%s): %w", s.group, s.stream, err)
	}
	return nil
}

func (s *CloudWatchSink) ensureStream(ctx context.Context) error {
	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.group),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("CreateLogGroup(%s): %w", s.group, err)
	}

	_, err = s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("CreateLogStream(%s): %w", s.stream, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	var exists *cwltypes.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

// CloudWatchLogsQueryAPI is the subset of the client the remote source uses.
type CloudWatchLogsQueryAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// CloudWatchSource reads previously forwarded events back from CloudWatch
// Logs, letting queries see batches written by other hosts or past sessions.
type CloudWatchSource struct {
	client CloudWatchLogsQueryAPI
	group  string
}

// NewCloudWatchSource creates a remote source reading from the given log group.
func NewCloudWatchSource(client CloudWatchLogsQueryAPI, group string) *CloudWatchSource {
	return &CloudWatchSource{client: client, group: group}
}

// FetchEvents pulls events in the query's time window. Lines that do not
// parse as audit events are skipped; filtering beyond the time window is left
// to the caller, which applies the full query to the merged set.
func (s *CloudWatchSource) FetchEvents(ctx context.Context, q core.AuditQuery) ([]core.AuditEvent, error) {
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(s.group),
	}
	if q.Start != nil {
		input.StartTime = aws.Int64(q.Start.UnixMilli())
	}
	if q.End != nil {
		input.EndTime = aws.Int64(q.End.UnixMilli())
	}

	var events []core.AuditEvent
	paginator := cloudwatchlogs.NewFilterLogEventsPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("FilterLogEvents(%s): %w", s.group, err)
		}
		for _, le := range page.Events {
			if le.Message == nil {
				continue
			}
			var event core.AuditEvent
			if err := json.Unmarshal([]byte(*le.Message), &event); err != nil {
				continue
			}
			events = append(events, event)
		}
	}
	return events, nil
}
