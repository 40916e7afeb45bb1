// Package audit implements the append-only audit ledger: a buffered event
// log with local newline-delimited JSON persistence, optional remote
// forwarding, querying, and compliance reporting. The local file is the
// durability floor; remote forwarding failures never fail the local write.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/logging"
)

// DefaultFlushSize is the buffer size that triggers an automatic flush.
const DefaultFlushSize = 100

// RemoteSink forwards flushed event batches to a remote log store.
type RemoteSink interface {
	Forward(ctx context.Context, events []core.AuditEvent) error
}

// RemoteSource supplies remote events for query merging. Remote events take
// precedence over local ones with the same id.
type RemoteSource interface {
	FetchEvents(ctx context.Context, q core.AuditQuery) ([]core.AuditEvent, error)
}

// Ledger is the append-only, buffered audit event log.
type Ledger struct {
	mu            sync.Mutex
	logger        zerolog.Logger
	path          string
	buffer        []core.AuditEvent
	flushSize     int
	correlationID string
	remote        RemoteSink
	remoteSource  RemoteSource
}

// NewLedger creates a ledger writing to the given local file. remote may be
// nil to disable forwarding.
func NewLedger(path string, remote RemoteSink, logger zerolog.Logger) *Ledger {
	return &Ledger{
		logger:        logger,
		path:          path,
		flushSize:     DefaultFlushSize,
		correlationID: uuid.New().String(),
		remote:        remote,
	}
}

// SetRemoteSink attaches forwarding after construction, for callers that
// need the ledger before the remote client can be built.
func (l *Ledger) SetRemoteSink(sink RemoteSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = sink
}

// SetRemoteSource attaches a remote event source for query merging.
func (l *Ledger) SetRemoteSource(src RemoteSource) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSource = src
}

// CorrelationID returns the id tying together all events from this process run.
func (l *Ledger) CorrelationID() string { return l.correlationID }

// LogEvent appends an event to the buffer. Sensitive parameter values are
// redacted before the event can ever be persisted. The buffer flushes when it
// reaches the configured size, or immediately for any failed result.
func (l *Ledger) LogEvent(event core.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = l.correlationID
	}
	event.Operation.Parameters = logging.RedactParameters(event.Operation.Parameters)

	l.mu.Lock()
	l.buffer = append(l.buffer, event)
	mustFlush := len(l.buffer) >= l.flushSize || !event.Result.Success
	l.mu.Unlock()

	if mustFlush {
		return l.Flush()
	}
	return nil
}

// LogCredentialSwitch records a context switch attempt.
func (l *Ledger) LogCredentialSwitch(actor core.AuditActor, from, to core.ContextKind, success bool, errMsg string) error {
	return l.LogEvent(core.AuditEvent{
		EventType: core.EventCredentialSwitch,
		Actor:     actor,
		Operation: core.AuditOperation{
			Service: "sts",
			Action:  "SwitchContext",
			Parameters: map[string]string{
				"from": string(from),
				"to":   string(to),
			},
		},
		Result:     core.AuditResult{Success: success, ErrorMessage: errMsg},
		Compliance: ComplianceFor(core.RiskMedium),
	})
}

// LogRoleAssumption records a role assumption attempt.
func (l *Ledger) LogRoleAssumption(actor core.AuditActor, roleARN, sessionName string, success bool, errMsg string) error {
	return l.LogEvent(core.AuditEvent{
		EventType: core.EventRoleAssumption,
		Actor:     actor,
		Operation: core.AuditOperation{
			Service:   "sts",
			Action:    "AssumeRole",
			Resources: []string{roleARN},
			Parameters: map[string]string{
				"session_name": sessionName,
			},
		},
		Result:     core.AuditResult{Success: success, ErrorMessage: errMsg},
		Compliance: ComplianceFor(core.RiskHigh),
	})
}

// LogAWSOperation records a resource-affecting AWS call.
func (l *Ledger) LogAWSOperation(actor core.AuditActor, op core.AuditOperation, result core.AuditResult, risk core.RiskLevel) error {
	return l.LogEvent(core.AuditEvent{
		EventType:  core.EventAWSOperation,
		Actor:      actor,
		Operation:  op,
		Result:     result,
		Compliance: ComplianceFor(risk),
	})
}

// LogPermissionRequest records an elevation attempt, whatever its outcome.
func (l *Ledger) LogPermissionRequest(actor core.AuditActor, op core.OperationContext, method core.ElevationMethod, risk core.RiskLevel, success bool, message string) error {
	return l.LogEvent(core.AuditEvent{
		EventType: core.EventPermissionRequest,
		Actor:     actor,
		Operation: core.AuditOperation{
			Service:   op.Service,
			Action:    op.Operation,
			Resources: op.Resources,
			Parameters: map[string]string{
				"method": string(method),
			},
		},
		Result:     core.AuditResult{Success: success, ErrorMessage: message},
		Compliance: ComplianceFor(risk),
	})
}

// Flush writes all buffered events as newline-delimited JSON to the local
// append-only file and forwards the same batch to the remote sink. A local
// write failure is fatal; a forwarding failure is only logged.
func (l *Ledger) Flush() error {
	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.appendLocal(batch); err != nil {
		// Put the batch back so a later flush can retry.
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		l.mu.Unlock()
		return &core.AuditWriteError{Path: l.path, Err: err}
	}

	if l.remote != nil {
		if err := l.remote.Forward(context.Background(), batch); err != nil {
			l.logger.Warn().Err(err).Int("events", len(batch)).
				Msg("remote audit forwarding failed; local log is authoritative")
		}
	}
	return nil
}

// Close flushes any remaining buffered events.
func (l *Ledger) Close() error {
	return l.Flush()
}

func (l *Ledger) appendLocal(batch []core.AuditEvent) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, event := range batch {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshaling event %s: %w", event.ID, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return f.Sync()
}

// ComplianceFor maps a risk level to retention and encryption requirements.
func ComplianceFor(risk core.RiskLevel) core.AuditCompliance {
	switch risk {
	case core.RiskHigh:
		return core.AuditCompliance{Classification: risk, RetentionDays: 2555, EncryptionRequired: true}
	case core.RiskMedium:
		return core.AuditCompliance{Classification: risk, RetentionDays: 365}
	default:
		return core.AuditCompliance{Classification: core.RiskLow, RetentionDays: 90}
	}
}
