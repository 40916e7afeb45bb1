// Package elevation implements the permission-elevation engine. Escalation
// strategies are tried in order: direct use of the current identity, assuming
// a matched role, and finally a recorded manual-approval fallback. Every
// attempt is written to the audit ledger, whatever its outcome.
package elevation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/audit"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/credstore"
	"github.com/pchinjr/no-wing/internal/rolecatalog"
)

// Elevator decides how a requested operation obtains sufficient privilege.
type Elevator struct {
	store     *credstore.Store
	catalog   *rolecatalog.Catalog
	ledger    *audit.Ledger
	approvals *ApprovalStore
	logger    zerolog.Logger
}

// NewElevator wires the elevator to its collaborators.
func NewElevator(store *credstore.Store, catalog *rolecatalog.Catalog, ledger *audit.Ledger, approvals *ApprovalStore, logger zerolog.Logger) *Elevator {
	return &Elevator{
		store:     store,
		catalog:   catalog,
		ledger:    ledger,
		approvals: approvals,
		logger:    logger,
	}
}

// ElevatePermissions runs the strategy chain for one operation. The returned
// result is immutable; a manual-approval fallback reports success=false with
// the candidate roles the operator could provision instead.
func (e *Elevator) ElevatePermissions(ctx context.Context, op core.OperationContext) (*core.ElevationResult, error) {
	risk := ClassifyRisk(op)
	actor := e.currentActor()

	role, err := e.catalog.FindBestRole(ctx, op)
	if err != nil {
		err = fmt.Errorf("matching role for %s:%s: %w", op.Service, op.Operation, err)
		// Even an attempt that dies in role lookup leaves a trace.
		if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodRoleAssumption, risk, false, err.Error()); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}

	if role == nil {
		// Read-only work proceeds under the current identity. Anything
		// riskier with no matching role goes to manual approval; high-risk
		// operations never silently auto-approve.
		if risk == core.RiskLow {
			result := &core.ElevationResult{
				Success: true,
				Method:  core.MethodDirect,
				Message: fmt.Sprintf("proceeding under current identity for %s:%s", op.Service, op.Operation),
			}
			if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodDirect, risk, true, result.Message); logErr != nil {
				return nil, logErr
			}
			return result, nil
		}
		return e.deferToApproval(ctx, op, risk, actor, "no matching role found")
	}

	// Reuse a still-valid cached session before assuming again.
	if _, ok := e.catalog.Session(role.ARN); ok {
		result := &core.ElevationResult{
			Success: true,
			Method:  core.MethodRoleAssumption,
			Message: fmt.Sprintf("reusing active session for role %s", role.Name),
			RoleARN: role.ARN,
		}
		if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodRoleAssumption, risk, true, result.Message); logErr != nil {
			return nil, logErr
		}
		return result, nil
	}

	session, err := e.store.AssumeRole(ctx, role.ARN, "")
	if err != nil {
		if logErr := e.ledger.LogRoleAssumption(actor, role.ARN, "", false, err.Error()); logErr != nil {
			return nil, logErr
		}
		e.logger.Warn().Err(err).Str("role_arn", role.ARN).Msg("role assumption failed")
		return e.deferToApproval(ctx, op, risk, actor,
			fmt.Sprintf("assumption of %s failed: %v", role.Name, err))
	}

	e.catalog.StoreSession(*session)
	if logErr := e.ledger.LogRoleAssumption(e.currentActor(), role.ARN, session.SessionName, true, ""); logErr != nil {
		return nil, logErr
	}

	result := &core.ElevationResult{
		Success: true,
		Method:  core.MethodRoleAssumption,
		Message: fmt.Sprintf("assumed role %s", role.Name),
		RoleARN: role.ARN,
	}
	if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodRoleAssumption, risk, true, result.Message); logErr != nil {
		return nil, logErr
	}
	return result, nil
}

// ListPendingRequests exposes the approval queue to the CLI layer.
func (e *Elevator) ListPendingRequests() ([]core.PendingRequest, error) {
	return e.approvals.ListPending()
}

// ResolveRequest marks a pending request approved or denied.
func (e *Elevator) ResolveRequest(id string, status core.ApprovalStatus, resolvedBy, reason string) error {
	return e.approvals.Resolve(id, status, resolvedBy, reason)
}

func (e *Elevator) deferToApproval(ctx context.Context, op core.OperationContext, risk core.RiskLevel, actor core.AuditActor, cause string) (*core.ElevationResult, error) {
	alternatives, err := e.catalog.Candidates(ctx, op)
	if err != nil {
		e.logger.Debug().Err(err).Msg("listing alternative roles failed")
	}

	req := core.PendingRequest{
		ID:          uuid.New().String(),
		Operation:   op.Operation,
		Service:     op.Service,
		Resources:   op.Resources,
		Risk:        risk,
		RequestedBy: actor.Kind,
		RequestedAt: time.Now().UTC(),
		Status:      core.ApprovalPending,
	}
	if err := e.approvals.Record(req); err != nil {
		err = fmt.Errorf("recording pending request: %w", err)
		if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodManualApproval, risk, false, err.Error()); logErr != nil {
			return nil, logErr
		}
		return nil, err
	}

	message := fmt.Sprintf("manual approval required for %s:%s (%s); request %s recorded",
		op.Service, op.Operation, cause, req.ID)
	if logErr := e.ledger.LogPermissionRequest(actor, op, core.MethodManualApproval, risk, false, message); logErr != nil {
		return nil, logErr
	}

	return &core.ElevationResult{
		Success:      false,
		Method:       core.MethodManualApproval,
		Message:      message,
		Alternatives: alternatives,
	}, nil
}

func (e *Elevator) currentActor() core.AuditActor {
	cur := e.store.CurrentContext()
	if cur == nil {
		return core.AuditActor{Kind: core.ContextHuman, Identity: "uninitialized"}
	}
	return core.AuditActor{
		Kind:      cur.Kind,
		Identity:  cur.Identity.ARN,
		SessionID: cur.SessionName,
	}
}
