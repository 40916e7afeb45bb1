// Package rolecatalog discovers assumable IAM roles, matches a role to a
// requested operation, and caches assumed-role sessions until expiry.
package rolecatalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/core"
)

// IAMAPI is the subset of the IAM client the catalog depends on.
type IAMAPI interface {
	ListRoles(ctx context.Context, params *iam.ListRolesInput, optFns ...func(*iam.Options)) (*iam.ListRolesOutput, error)
	ListRoleTags(ctx context.Context, params *iam.ListRoleTagsInput, optFns ...func(*iam.Options)) (*iam.ListRoleTagsOutput, error)
}

// ClientProvider supplies an IAM client bound to the active context. Clients
// must be fetched per call so a context switch is never papered over.
type ClientProvider func(ctx context.Context) (IAMAPI, error)

// Catalog is the role manager: discovered roles cached for the process
// lifetime, assumed-role sessions cached until expiry.
type Catalog struct {
	mu       sync.Mutex
	iamFor   ClientProvider
	logger   zerolog.Logger
	roles    []core.Role
	loaded   bool
	sessions map[string]core.RoleSession // keyed by role ARN
}

// NewCatalog creates a catalog using the given client provider.
func NewCatalog(iamFor ClientProvider, logger zerolog.Logger) *Catalog {
	return &Catalog{
		iamFor:   iamFor,
		logger:   logger,
		sessions: make(map[string]core.RoleSession),
	}
}

// ListAvailableRoles enumerates the roles visible to the current identity.
// Results are cached for the process lifetime; call Invalidate to refresh.
func (c *Catalog) ListAvailableRoles(ctx context.Context) ([]core.Role, error) {
	c.mu.Lock()
	if c.loaded {
		roles := append([]core.Role{}, c.roles...)
		c.mu.Unlock()
		return roles, nil
	}
	c.mu.Unlock()

	client, err := c.iamFor(ctx)
	if err != nil {
		return nil, err
	}

	var roles []core.Role
	paginator := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("ListRoles: %w", err)
		}
		for _, r := range page.Roles {
			role := core.Role{
				ARN:  aws.ToString(r.Arn),
				Name: aws.ToString(r.RoleName),
				Path: aws.ToString(r.Path),
			}
			if r.CreateDate != nil {
				role.CreatedAt = *r.CreateDate
			}
			role.Tags, err = c.fetchTags(ctx, client, role.Name)
			if err != nil {
				c.logger.Debug().Err(err).Str("role", role.Name).Msg("listing role tags failed")
			}
			roles = append(roles, role)
		}
	}

	c.mu.Lock()
	c.roles = roles
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug().Int("count", len(roles)).Msg("role catalog loaded")
	return append([]core.Role{}, roles...), nil
}

// Invalidate drops the cached role list so the next listing re-enumerates.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = nil
	c.loaded = false
}

// FindBestRole returns the single role best matching the operation, or nil
// when nothing matches. Ties are broken by the longest matching pattern, then
// by the most recently created role.
func (c *Catalog) FindBestRole(ctx context.Context, op core.OperationContext) (*core.Role, error) {
	roles, err := c.ListAvailableRoles(ctx)
	if err != nil {
		return nil, err
	}

	var best *core.Role
	bestScore := 0
	for i := range roles {
		score := matchScore(roles[i], op)
		if score == 0 {
			continue
		}
		if best == nil || score > bestScore ||
			(score == bestScore && roles[i].CreatedAt.After(best.CreatedAt)) {
			best = &roles[i]
			bestScore = score
		}
	}
	return best, nil
}

// Candidates returns all matching role names ordered best-first, for the
// elevator's alternatives list.
func (c *Catalog) Candidates(ctx context.Context, op core.OperationContext) ([]string, error) {
	roles, err := c.ListAvailableRoles(ctx)
	if err != nil {
		return nil, err
	}

	type scored struct {
		name  string
		score int
	}
	var matched []scored
	for _, r := range roles {
		if score := matchScore(r, op); score > 0 {
			matched = append(matched, scored{name: r.Name, score: score})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score > matched[j].score })

	names := make([]string, len(matched))
	for i, m := range matched {
		names[i] = m.name
	}
	return names, nil
}

// matchScore scores a role against an operation: the length of the longest
// candidate pattern found in the role's name or tags, zero for no match.
func matchScore(role core.Role, op core.OperationContext) int {
	service := strings.ToLower(op.Service)
	action := strings.ToLower(op.Operation)

	candidates := []string{service + "-" + action, action, service}
	haystacks := []string{strings.ToLower(role.Name)}
	for k, v := range role.Tags {
		haystacks = append(haystacks, strings.ToLower(k), strings.ToLower(v))
	}

	best := 0
	for _, pattern := range candidates {
		if pattern == "" || pattern == "-" {
			continue
		}
		for _, h := range haystacks {
			if strings.Contains(h, pattern) && len(pattern) > best {
				best = len(pattern)
			}
		}
	}
	return best
}

// StoreSession caches an assumed-role session until it expires.
func (c *Catalog) StoreSession(session core.RoleSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.RoleARN] = session
}

// Session returns the cached, still-valid session for a role, if any.
func (c *Catalog) Session(roleARN string) (core.RoleSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[roleARN]
	if !ok || s.Expired(time.Now().UTC()) {
		return core.RoleSession{}, false
	}
	return s, true
}

// ActiveSessions returns all non-expired cached sessions.
func (c *Catalog) ActiveSessions() []core.RoleSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	var active []core.RoleSession
	for _, s := range c.sessions {
		if !s.Expired(now) {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].RoleARN < active[j].RoleARN })
	return active
}

// CleanupExpiredSessions removes sessions past their expiry and reports how
// many were swept.
func (c *Catalog) CleanupExpiredSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	removed := 0
	for arn, s := range c.sessions {
		if s.Expired(now) {
			delete(c.sessions, arn)
			removed++
		}
	}
	return removed
}

func (c *Catalog) fetchTags(ctx context.Context, client IAMAPI, roleName string) (map[string]string, error) {
	out, err := client.ListRoleTags(ctx, &iam.ListRoleTagsInput{RoleName: aws.String(roleName)})
	if err != nil {
		return nil, err
	}
	if len(out.Tags) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(out.Tags))
	for _, t := range out.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}
