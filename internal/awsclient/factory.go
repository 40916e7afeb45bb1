// Package awsclient builds and caches typed AWS service clients bound to the
// active credential context. The cache is invalidated synchronously on every
// context change, so a client is never used against the wrong identity within
// a single logical call chain.
package awsclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/credstore"
)

// Service enumerates the AWS services no-wing talks to.
type Service string

const (
	ServiceSTS            Service = "sts"
	ServiceIAM            Service = "iam"
	ServiceCloudFormation Service = "cloudformation"
	ServiceS3             Service = "s3"
	ServiceCloudWatchLogs Service = "logs"
	ServiceCloudTrail     Service = "cloudtrail"
)

// CacheKey is the structured composite cache key: service, active context
// kind, and region.
type CacheKey struct {
	Service Service
	Kind    core.ContextKind
	Region  string
}

// Factory creates and caches service clients for the active context.
type Factory struct {
	mu      sync.Mutex
	store   *credstore.Store
	logger  zerolog.Logger
	limiter *RateLimiter
	cache   map[CacheKey]any

	// Seams for tests; defaults hit the real SDK.
	build    func(Service, aws.Config) any
	validate func(context.Context, Service, any) error
}

// NewFactory creates a client factory bound to the store. It registers itself
// for cache invalidation on every context switch and role assumption.
func NewFactory(store *credstore.Store, logger zerolog.Logger) *Factory {
	f := &Factory{
		store:   store,
		logger:  logger,
		limiter: NewRateLimiter(10),
		cache:   make(map[CacheKey]any),
	}
	f.build = buildClient
	f.validate = f.validateClient
	store.OnChange(f.ClearCache)
	return f
}

// GetClient returns a cached client for the service under the active context.
// Every acquisition waits on the per-service rate limiter, since each one
// costs at least a validation call against the service. A cache hit is
// validated with a cheap call; if validation fails the entry is evicted and
// rebuilt.
func (f *Factory) GetClient(ctx context.Context, service Service) (any, error) {
	cur := f.store.CurrentContext()
	if cur == nil {
		return nil, fmt.Errorf("no active credential context")
	}
	f.limiter.Wait(string(service))
	key := CacheKey{Service: service, Kind: cur.Kind, Region: cur.Region}

	f.mu.Lock()
	client, ok := f.cache[key]
	f.mu.Unlock()

	if ok {
		if err := f.validate(ctx, service, client); err == nil {
			return client, nil
		}
		f.logger.Debug().
			Str("service", string(service)).
			Str("kind", string(key.Kind)).
			Msg("cached client failed validation, rebuilding")
		f.mu.Lock()
		delete(f.cache, key)
		f.mu.Unlock()
	}

	cfg, err := f.store.AWSConfig()
	if err != nil {
		return nil, err
	}
	client = f.build(service, cfg)

	f.mu.Lock()
	f.cache[key] = client
	f.mu.Unlock()
	return client, nil
}

// ClearCache drops every cached client. Invoked automatically on context
// changes; also callable directly.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache = make(map[CacheKey]any)
}

// WithContext runs fn under a temporary identity. The prior context is
// restored and the cache cleared on every exit path, including panics. This
// is the only sanctioned way to run work under a temporary identity.
func (f *Factory) WithContext(ctx context.Context, kind core.ContextKind, fn func(context.Context) error) error {
	prev := f.store.CurrentContext()
	if prev == nil {
		return fmt.Errorf("no active credential context")
	}

	if _, err := f.store.SwitchTo(ctx, kind); err != nil {
		return err
	}
	defer func() {
		if _, err := f.store.SwitchTo(ctx, prev.Kind); err != nil {
			f.logger.Error().Err(err).
				Str("kind", string(prev.Kind)).
				Msg("restoring prior context failed")
		}
		f.ClearCache()
	}()

	return fn(ctx)
}

// NewClientWithCredentials builds a client directly from session-scoped
// temporary credentials, bypassing the context store and the cache.
func (f *Factory) NewClientWithCredentials(service Service, session core.RoleSession, region string) any {
	cfg := aws.Config{
		Region: region,
		Credentials: credentials.NewStaticCredentialsProvider(
			session.AccessKeyID, session.SecretAccessKey, session.SessionToken),
	}
	return f.build(service, cfg)
}

// Wait blocks until the per-service rate limit allows another call.
func (f *Factory) Wait(service Service) {
	f.limiter.Wait(string(service))
}

// --- Typed accessors ---

func (f *Factory) STS(ctx context.Context) (*sts.Client, error) {
	return typed[*sts.Client](f, ctx, ServiceSTS)
}

func (f *Factory) IAM(ctx context.Context) (*iam.Client, error) {
	return typed[*iam.Client](f, ctx, ServiceIAM)
}

func (f *Factory) CloudFormation(ctx context.Context) (*cloudformation.Client, error) {
	return typed[*cloudformation.Client](f, ctx, ServiceCloudFormation)
}

func (f *Factory) S3(ctx context.Context) (*s3.Client, error) {
	return typed[*s3.Client](f, ctx, ServiceS3)
}

func (f *Factory) CloudWatchLogs(ctx context.Context) (*cloudwatchlogs.Client, error) {
	return typed[*cloudwatchlogs.Client](f, ctx, ServiceCloudWatchLogs)
}

func (f *Factory) CloudTrail(ctx context.Context) (*cloudtrail.Client, error) {
	return typed[*cloudtrail.Client](f, ctx, ServiceCloudTrail)
}

func typed[T any](f *Factory, ctx context.Context, service Service) (T, error) {
	var zero T
	c, err := f.GetClient(ctx, service)
	if err != nil {
		return zero, err
	}
	t, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected client type for %s", service)
	}
	return t, nil
}

func buildClient(service Service, cfg aws.Config) any {
	switch service {
	case ServiceSTS:
		return sts.NewFromConfig(cfg)
	case ServiceIAM:
		return iam.NewFromConfig(cfg)
	case ServiceCloudFormation:
		return cloudformation.NewFromConfig(cfg)
	case ServiceS3:
		return s3.NewFromConfig(cfg)
	case ServiceCloudWatchLogs:
		return cloudwatchlogs.NewFromConfig(cfg)
	case ServiceCloudTrail:
		return cloudtrail.NewFromConfig(cfg)
	default:
		return nil
	}
}

// validateClient issues the cheapest harmless call the service offers.
func (f *Factory) validateClient(ctx context.Context, service Service, client any) error {
	one := int32(1)
	switch c := client.(type) {
	case *sts.Client:
		_, err := c.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	case *iam.Client:
		_, err := c.ListRoles(ctx, &iam.ListRolesInput{MaxItems: &one})
		return err
	case *cloudformation.Client:
		_, err := c.ListStacks(ctx, &cloudformation.ListStacksInput{})
		return err
	case *s3.Client:
		_, err := c.ListBuckets(ctx, &s3.ListBucketsInput{})
		return err
	case *cloudwatchlogs.Client:
		_, err := c.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{Limit: &one})
		return err
	case *cloudtrail.Client:
		_, err := c.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
		return err
	default:
		return fmt.Errorf("unknown client type for %s", service)
	}
}
