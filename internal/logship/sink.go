package logship

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// Sink receives batches of log events destined for one group/stream pair.
type Sink interface {
	Ship(ctx context.Context, group, stream string, events []Event) error
}

// cloudWatchAPI is the slice of the CloudWatch Logs client the sink uses.
type cloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, input *cloudwatchlogs.CreateLogGroupInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, input *cloudwatchlogs.CreateLogStreamInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, input *cloudwatchlogs.PutLogEventsInput, opts ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchSink ships events to CloudWatch Logs, creating groups and streams
// idempotently on first use.
type CloudWatchSink struct {
	client cloudWatchAPI

	mu    sync.Mutex
	known map[string]struct{}
}

// CloudWatchOptions configures the AWS client. Static credentials are
// optional; when absent the default provider chain applies.
type CloudWatchOptions struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// NewCloudWatchSink builds a sink backed by the real CloudWatch Logs API.
func NewCloudWatchSink(ctx context.Context, opts CloudWatchOptions) (*CloudWatchSink, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := cloudwatchlogs.NewFromConfig(cfg, func(options *cloudwatchlogs.Options) {
		if opts.Endpoint != "" {
			options.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return newCloudWatchSink(client), nil
}

func newCloudWatchSink(client cloudWatchAPI) *CloudWatchSink {
	return &CloudWatchSink{client: client, known: make(map[string]struct{})}
}

// Ship ensures the group and stream exist, then forwards the batch with
// millisecond timestamps as PutLogEvents requires.
func (s *CloudWatchSink) Ship(ctx context.Context, group, stream string, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := s.ensureStream(ctx, group, stream); err != nil {
		return err
	}

	logEvents := make([]types.InputLogEvent, 0, len(events))
	for _, event := range events {
		logEvents = append(logEvents, types.InputLogEvent{
			Message:   aws.String(event.Message),
			Timestamp: aws.Int64(event.Timestamp.UnixMilli()),
		})
	}
	_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
		LogEvents:     logEvents,
	})
	if err != nil {
		return fmt.Errorf("put log events to %s/%s: %w", group, stream, err)
	}
	return nil
}

func (s *CloudWatchSink) ensureStream(ctx context.Context, group, stream string) error {
	key := group + "\x00" + stream
	s.mu.Lock()
	_, ok := s.known[key]
	s.mu.Unlock()
	if ok {
		return nil
	}

	if _, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(group),
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create log group %s: %w", group, err)
	}
	if _, err := s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(stream),
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create log stream %s/%s: %w", group, stream, err)
	}

	s.mu.Lock()
	s.known[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func isAlreadyExists(err error) bool {
	var exists *types.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}
