// Package credstore implements the dual-identity credential broker. It holds
// exactly one active credential context (human or agent), the two underlying
// credential sources, and performs STS identity verification on every switch.
package credstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/config"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/vault"
)

// STSAPI is the subset of the STS client the store depends on.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// SwitchAuditor records context-switch attempts. The audit ledger satisfies
// this; the store logs every switch itself so no caller has to.
type SwitchAuditor interface {
	LogCredentialSwitch(actor core.AuditActor, from, to core.ContextKind, success bool, errMsg string) error
}

// Store is the credential context store. It is an injected instance, not a
// process-wide global, so tests and future callers can hold isolated contexts.
type Store struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	vault   *vault.Vault
	sources map[core.ContextKind]core.CredentialSourceConfig
	awsCfgs map[core.ContextKind]aws.Config
	current *core.CredentialContext
	assumed *core.RoleSession
	auditor SwitchAuditor

	onChange []func()

	// Seams for tests; defaults hit the real SDK.
	stsFactory func(aws.Config) STSAPI
	resolve    func(context.Context, core.CredentialSourceConfig) (aws.Config, error)
}

// NewStore creates a store from configuration. The vault may be nil when
// neither source uses static key material.
func NewStore(cfg config.Config, v *vault.Vault, logger zerolog.Logger) *Store {
	s := &Store{
		logger: logger,
		vault:  v,
		sources: map[core.ContextKind]core.CredentialSourceConfig{
			core.ContextHuman: cfg.Human,
			core.ContextAgent: cfg.Agent,
		},
		awsCfgs: make(map[core.ContextKind]aws.Config),
	}
	s.stsFactory = func(c aws.Config) STSAPI { return sts.NewFromConfig(c) }
	s.resolve = s.resolveSource
	return s
}

// SetSTSFactory overrides how STS clients are built from a resolved
// configuration. Intended for tests.
func (s *Store) SetSTSFactory(fn func(aws.Config) STSAPI) {
	s.stsFactory = fn
}

// SetResolver overrides credential source resolution. Intended for tests.
func (s *Store) SetResolver(fn func(context.Context, core.CredentialSourceConfig) (aws.Config, error)) {
	s.resolve = fn
}

// SetAuditor attaches the ledger that receives one credential-switch event
// per switch attempt, successful or not. Attach it before Initialize so the
// initial switch is recorded too.
func (s *Store) SetAuditor(a SwitchAuditor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditor = a
}

// OnChange registers a hook invoked synchronously after every successful
// switch or role assumption, before any subsequent client request can run.
// The client factory uses this to invalidate its cache.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Initialize resolves both credential sources, verifies each identity, and
// establishes the initial human context.
func (s *Store) Initialize(ctx context.Context) error {
	for _, kind := range []core.ContextKind{core.ContextHuman, core.ContextAgent} {
		src := s.sources[kind]
		cfg, err := s.resolve(ctx, src)
		if err != nil {
			return &core.CredentialLoadError{Kind: kind, Err: err}
		}
		if _, err := s.verify(ctx, cfg); err != nil {
			return &core.CredentialLoadError{Kind: kind, Err: err}
		}

		s.mu.Lock()
		s.awsCfgs[kind] = cfg
		s.mu.Unlock()

		s.logger.Debug().Str("kind", string(kind)).Msg("credential source verified")
	}

	_, err := s.SwitchTo(ctx, core.ContextHuman)
	return err
}

// SwitchTo re-verifies the target source's identity and, on success, replaces
// the current context wholesale. On failure the last-known-valid context is
// retained and a ContextSwitchError is returned.
func (s *Store) SwitchTo(ctx context.Context, kind core.ContextKind) (*core.CredentialContext, error) {
	s.mu.RLock()
	cfg, ok := s.awsCfgs[kind]
	from := core.ContextKind("")
	actor := core.AuditActor{Kind: core.ContextHuman, Identity: "uninitialized"}
	if s.current != nil {
		from = s.current.Kind
		actor = core.AuditActor{Kind: s.current.Kind, Identity: s.current.Identity.ARN, SessionID: s.current.SessionName}
	}
	s.mu.RUnlock()

	if !ok {
		err := &core.ContextSwitchError{From: from, To: kind,
			Err: fmt.Errorf("credential source not initialized")}
		s.recordSwitch(actor, from, kind, false, err.Error())
		return nil, err
	}

	identity, err := s.verify(ctx, cfg)
	if err != nil {
		switchErr := &core.ContextSwitchError{From: from, To: kind, Err: err}
		s.recordSwitch(actor, from, kind, false, switchErr.Error())
		return nil, switchErr
	}

	next := &core.CredentialContext{
		Kind:       kind,
		Identity:   identity,
		Region:     cfg.Region,
		VerifiedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.current = next
	s.assumed = nil
	hooks := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	s.recordSwitch(actor, from, kind, true, "")

	s.logger.Info().
		Str("kind", string(kind)).
		Str("arn", identity.ARN).
		Msg("context switched")

	return s.CurrentContext(), nil
}

// recordSwitch writes one credential-switch event per attempt. The switch
// itself has already committed (or been refused); a ledger buffering error
// here must not un-switch the context, so it is logged rather than returned.
func (s *Store) recordSwitch(actor core.AuditActor, from, to core.ContextKind, success bool, errMsg string) {
	s.mu.RLock()
	auditor := s.auditor
	s.mu.RUnlock()
	if auditor == nil {
		return
	}
	if err := auditor.LogCredentialSwitch(actor, from, to, success, errMsg); err != nil {
		s.logger.Error().Err(err).Msg("recording credential switch failed")
	}
}

// AssumeRole obtains temporary credentials for roleARN using the current
// identity, re-verifies under them, and updates the current context's
// identity and session fields in place. The context kind is unchanged.
func (s *Store) AssumeRole(ctx context.Context, roleARN, sessionName string) (*core.RoleSession, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	if cur == nil {
		return nil, &core.RoleAssumptionError{RoleARN: roleARN,
			Err: fmt.Errorf("no current context; call Initialize first")}
	}

	if sessionName == "" {
		sessionName = fmt.Sprintf("no-wing-%s-%s", cur.Kind, uuid.New().String()[:8])
	}

	baseCfg, err := s.currentAWSConfig()
	if err != nil {
		return nil, &core.RoleAssumptionError{RoleARN: roleARN, Err: err}
	}

	client := s.stsFactory(baseCfg)
	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return nil, &core.RoleAssumptionError{RoleARN: roleARN, Err: err}
	}

	session := &core.RoleSession{
		RoleARN:         roleARN,
		SessionName:     sessionName,
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
	}
	if out.Credentials.Expiration != nil {
		session.ExpiresAt = *out.Credentials.Expiration
	}

	assumedCfg := aws.Config{
		Region: baseCfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			session.AccessKeyID, session.SecretAccessKey, session.SessionToken),
	}
	identity, err := s.verify(ctx, assumedCfg)
	if err != nil {
		return nil, &core.RoleAssumptionError{RoleARN: roleARN, Err: err}
	}

	s.mu.Lock()
	s.current.Identity = identity
	s.current.SessionToken = session.SessionToken
	s.current.AssumedRoleARN = roleARN
	s.current.SessionName = sessionName
	s.current.ExpiresAt = &session.ExpiresAt
	s.current.VerifiedAt = time.Now().UTC()
	s.assumed = session
	hooks := append([]func(){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}

	s.logger.Info().
		Str("role_arn", roleARN).
		Str("session_name", sessionName).
		Msg("role assumed")

	return session, nil
}

// CurrentContext returns a copy of the active context, or nil before
// initialization.
func (s *Store) CurrentContext() *core.CredentialContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// ValidateCurrentCredentials re-verifies the active context's identity
// without mutating any state.
func (s *Store) ValidateCurrentCredentials(ctx context.Context) error {
	cfg, err := s.currentAWSConfig()
	if err != nil {
		return err
	}
	_, err = s.verify(ctx, cfg)
	return err
}

// CredentialStatus reports the health of both credential sources.
func (s *Store) CredentialStatus(ctx context.Context) []core.CredentialStatus {
	var statuses []core.CredentialStatus
	for _, kind := range []core.ContextKind{core.ContextHuman, core.ContextAgent} {
		s.mu.RLock()
		cfg, ok := s.awsCfgs[kind]
		s.mu.RUnlock()

		status := core.CredentialStatus{Kind: kind, CheckedAt: time.Now().UTC()}
		if !ok {
			status.Message = "not initialized"
			statuses = append(statuses, status)
			continue
		}

		identity, err := s.verify(ctx, cfg)
		if err != nil {
			status.Message = err.Error()
		} else {
			status.Valid = true
			status.Identity = identity
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// AWSConfig returns the resolved SDK configuration for the active context,
// including any assumed-role session credentials.
func (s *Store) AWSConfig() (aws.Config, error) {
	return s.currentAWSConfig()
}

func (s *Store) currentAWSConfig() (aws.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return aws.Config{}, fmt.Errorf("no current context")
	}

	base, ok := s.awsCfgs[s.current.Kind]
	if !ok {
		return aws.Config{}, fmt.Errorf("credential source not initialized: %s", s.current.Kind)
	}

	// An in-place role assumption overrides the base source's credentials.
	if s.assumed != nil {
		return aws.Config{
			Region: base.Region,
			Credentials: credentials.NewStaticCredentialsProvider(
				s.assumed.AccessKeyID, s.assumed.SecretAccessKey, s.assumed.SessionToken),
		}, nil
	}
	return base, nil
}

func (s *Store) verify(ctx context.Context, cfg aws.Config) (core.Identity, error) {
	client := s.stsFactory(cfg)
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return core.Identity{}, fmt.Errorf("GetCallerIdentity: %w", err)
	}
	return core.Identity{
		ARN:         aws.ToString(out.Arn),
		AccountID:   aws.ToString(out.Account),
		PrincipalID: aws.ToString(out.UserId),
	}, nil
}

// resolveSource builds an SDK configuration for one credential source.
func (s *Store) resolveSource(ctx context.Context, src core.CredentialSourceConfig) (aws.Config, error) {
	switch src.Type {
	case core.SourceProfile:
		return awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(src.Region),
			awsconfig.WithSharedConfigProfile(src.Profile),
		)
	case core.SourceStaticKeys:
		if s.vault == nil {
			return aws.Config{}, fmt.Errorf("static keys configured but no vault available")
		}
		accessKey, secretKey, err := s.vault.GetCredential(src.VaultKeyRef)
		if err != nil {
			return aws.Config{}, err
		}
		return aws.Config{
			Region:      src.Region,
			Credentials: credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		}, nil
	case core.SourceEnvironment:
		return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(src.Region))
	default:
		return aws.Config{}, fmt.Errorf("unknown credential source type: %s", src.Type)
	}
}
