package audit

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pchinjr/no-wing/internal/core"
)

func newTestLedger(t *testing.T, remote RemoteSink) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	return NewLedger(path, remote, zerolog.Nop()), path
}

func successEvent(service string) core.AuditEvent {
	return core.AuditEvent{
		EventType: core.EventAWSOperation,
		Actor:     core.AuditActor{Kind: core.ContextAgent, Identity: "arn:aws:iam::111122223333:user/no-wing-agent"},
		Operation: core.AuditOperation{Service: service, Action: "CreateStack"},
		Result:    core.AuditResult{Success: true},
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("opening log: %v", err)
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	return n
}

func TestSuccessfulEventsAreBuffered(t *testing.T) {
	l, path := newTestLedger(t, nil)

	for i := 0; i < 10; i++ {
		if err := l.LogEvent(successEvent("cloudformation")); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if got := countLines(t, path); got != 0 {
		t.Errorf("events persisted before flush threshold: %d lines", got)
	}

	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := countLines(t, path); got != 10 {
		t.Errorf("flushed %d lines, want 10", got)
	}
}

func TestBufferFlushesAtThreshold(t *testing.T) {
	l, path := newTestLedger(t, nil)
	l.flushSize = 5

	for i := 0; i < 5; i++ {
		if err := l.LogEvent(successEvent("s3")); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if got := countLines(t, path); got != 5 {
		t.Errorf("threshold flush wrote %d lines, want 5", got)
	}
}

func TestFailedEventFlushesImmediately(t *testing.T) {
	l, path := newTestLedger(t, nil)

	event := successEvent("cloudformation")
	event.Result = core.AuditResult{Success: false, ErrorMessage: "AccessDenied"}
	if err := l.LogEvent(event); err != nil {
		t.Fatalf("log: %v", err)
	}
	if got := countLines(t, path); got != 1 {
		t.Errorf("failure event not flushed immediately: %d lines", got)
	}
}

func TestEventFieldsArePopulated(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	event := successEvent("sts")
	event.Result.Success = false // force flush
	if err := l.LogEvent(event); err != nil {
		t.Fatalf("log: %v", err)
	}

	events, err := l.QueryEvents(context.Background(), core.AuditQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	e := events[0]
	if e.ID == "" {
		t.Error("event id not assigned")
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if e.CorrelationID != l.CorrelationID() {
		t.Errorf("correlation id = %q, want ledger's %q", e.CorrelationID, l.CorrelationID())
	}
}

func TestSecretParametersNeverPersist(t *testing.T) {
	l, path := newTestLedger(t, nil)

	event := successEvent("sts")
	event.Operation.Parameters = map[string]string{
		"session_name": "deploy-1",
		"secret_key":   "wJalrXUtnFEMI/K7MDENG",
	}
	event.Result.Success = false // force flush
	if err := l.LogEvent(event); err != nil {
		t.Fatalf("log: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "wJalrXUtnFEMI") {
		t.Fatal("secret value reached the persisted log")
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Error("redaction placeholder missing")
	}
	if !strings.Contains(string(raw), "deploy-1") {
		t.Error("non-secret parameter was lost")
	}
}

func TestLocalWriteFailureRestoresBuffer(t *testing.T) {
	dir := t.TempDir()
	l := NewLedger(filepath.Join(dir, "missing-subdir", "audit.log"), nil, zerolog.Nop())

	err := l.LogEvent(core.AuditEvent{
		EventType: core.EventAWSOperation,
		Result:    core.AuditResult{Success: false, ErrorMessage: "boom"},
	})
	if err == nil {
		t.Fatal("expected write failure")
	}
	var writeErr *core.AuditWriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("error type = %T, want AuditWriteError", err)
	}

	// The event must still be buffered for a later retry.
	l.mu.Lock()
	buffered := len(l.buffer)
	l.mu.Unlock()
	if buffered != 1 {
		t.Errorf("buffer holds %d events after failed flush, want 1", buffered)
	}
}

type capturingSink struct {
	batches [][]core.AuditEvent
	err     error
}

func (s *capturingSink) Forward(ctx context.Context, events []core.AuditEvent) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, events)
	return nil
}

func TestRemoteForwardingReceivesFlushedBatch(t *testing.T) {
	sink := &capturingSink{}
	l, _ := newTestLedger(t, sink)

	for i := 0; i < 3; i++ {
		if err := l.LogEvent(successEvent("cloudformation")); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(sink.batches) != 1 || len(sink.batches[0]) != 3 {
		t.Errorf("forwarded batches = %v", sink.batches)
	}
}

func TestRemoteFailureDoesNotFailFlush(t *testing.T) {
	sink := &capturingSink{err: errors.New("network unreachable")}
	l, path := newTestLedger(t, sink)

	if err := l.LogEvent(successEvent("cloudformation")); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush must succeed when only forwarding fails: %v", err)
	}
	if got := countLines(t, path); got != 1 {
		t.Errorf("local write lost: %d lines", got)
	}
}

func TestComplianceFor(t *testing.T) {
	high := ComplianceFor(core.RiskHigh)
	if high.RetentionDays != 2555 || !high.EncryptionRequired {
		t.Errorf("high compliance = %+v", high)
	}
	medium := ComplianceFor(core.RiskMedium)
	if medium.RetentionDays != 365 || medium.EncryptionRequired {
		t.Errorf("medium compliance = %+v", medium)
	}
	low := ComplianceFor(core.RiskLow)
	if low.RetentionDays != 90 {
		t.Errorf("low compliance = %+v", low)
	}
}

func TestQueryFilters(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	events := []core.AuditEvent{
		{
			EventType: core.EventCredentialSwitch,
			Timestamp: base,
			Actor:     core.AuditActor{Kind: core.ContextHuman},
			Operation: core.AuditOperation{Service: "sts", Action: "SwitchContext"},
			Result:    core.AuditResult{Success: true},
		},
		{
			EventType: core.EventAWSOperation,
			Timestamp: base.Add(time.Hour),
			Actor:     core.AuditActor{Kind: core.ContextAgent},
			Operation: core.AuditOperation{Service: "cloudformation", Action: "CreateStack"},
			Result:    core.AuditResult{Success: true},
		},
		{
			EventType: core.EventAWSOperation,
			Timestamp: base.Add(2 * time.Hour),
			Actor:     core.AuditActor{Kind: core.ContextAgent},
			Operation: core.AuditOperation{Service: "cloudformation", Action: "UpdateStack"},
			Result:    core.AuditResult{Success: false, ErrorMessage: "AccessDenied"},
		},
	}
	for _, e := range events {
		if err := l.LogEvent(e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	t.Run("by actor kind", func(t *testing.T) {
		got, err := l.QueryEvents(context.Background(), core.AuditQuery{
			ActorKinds: []core.ContextKind{core.ContextAgent},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("agent events = %d, want 2", len(got))
		}
	})

	t.Run("by service", func(t *testing.T) {
		got, err := l.QueryEvents(context.Background(), core.AuditQuery{
			Services: []string{"sts"},
		})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 {
			t.Errorf("sts events = %d, want 1", len(got))
		}
	})

	t.Run("by success", func(t *testing.T) {
		failed := false
		got, err := l.QueryEvents(context.Background(), core.AuditQuery{Success: &failed})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].Operation.Action != "UpdateStack" {
			t.Errorf("failed events = %v", got)
		}
	})

	t.Run("by time window", func(t *testing.T) {
		start := base.Add(30 * time.Minute)
		end := base.Add(90 * time.Minute)
		got, err := l.QueryEvents(context.Background(), core.AuditQuery{Start: &start, End: &end})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].Operation.Action != "CreateStack" {
			t.Errorf("windowed events = %v", got)
		}
	})

	t.Run("limit keeps newest", func(t *testing.T) {
		got, err := l.QueryEvents(context.Background(), core.AuditQuery{Limit: 1})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(got) != 1 || got[0].Operation.Action != "UpdateStack" {
			t.Errorf("limited events = %v", got)
		}
	})
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	l, path := newTestLedger(t, nil)

	if err := l.LogEvent(successEvent("s3")); err != nil {
		t.Fatalf("log: %v", err)
	}
	if err := l.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not valid json\n")
	f.Close()

	got, err := l.QueryEvents(context.Background(), core.AuditQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("events = %d, want the single valid one", len(got))
	}
}

type staticSource struct {
	events []core.AuditEvent
}

func (s *staticSource) FetchEvents(ctx context.Context, q core.AuditQuery) ([]core.AuditEvent, error) {
	return s.events, nil
}

func TestQueryMergesRemoteEventsByID(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	local := successEvent("cloudformation")
	local.ID = "shared-id"
	local.Result.ResponseData = "local"
	if err := l.LogEvent(local); err != nil {
		t.Fatalf("log: %v", err)
	}

	remoteOnly := successEvent("s3")
	remoteOnly.ID = "remote-only"
	remoteOnly.Timestamp = time.Now().UTC()
	remoteDup := local
	remoteDup.Result.ResponseData = "remote"
	remoteDup.Timestamp = time.Now().UTC()

	l.SetRemoteSource(&staticSource{events: []core.AuditEvent{remoteOnly, remoteDup}})

	got, err := l.QueryEvents(context.Background(), core.AuditQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("merged events = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.ID == "shared-id" && e.Result.ResponseData != "remote" {
			t.Error("remote event did not take precedence for duplicate id")
		}
	}
}

func TestGenerateComplianceReport(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	base := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	events := []core.AuditEvent{
		{
			EventType: core.EventAWSOperation,
			Timestamp: base,
			Actor:     core.AuditActor{Kind: core.ContextAgent, Identity: "agent"},
			Operation: core.AuditOperation{Service: "cloudformation", Action: "CreateStack"},
			Result:    core.AuditResult{Success: true},
		},
		{
			EventType: core.EventAWSOperation,
			Timestamp: base.Add(time.Minute),
			Actor:     core.AuditActor{Kind: core.ContextAgent, Identity: "agent"},
			Operation: core.AuditOperation{Service: "s3", Action: "PutObject"},
			Result:    core.AuditResult{Success: false, ErrorMessage: "AccessDenied: not authorized"},
		},
		{
			EventType: core.EventRoleAssumption,
			Timestamp: base.Add(2 * time.Minute),
			Actor:     core.AuditActor{Kind: core.ContextAgent, Identity: "agent"},
			Operation: core.AuditOperation{
				Service:   "sts",
				Action:    "AssumeRole",
				Resources: []string{"arn:aws:iam::111122223333:role/AdministratorAccess"},
			},
			Result: core.AuditResult{Success: true},
		},
	}
	for _, e := range events {
		if err := l.LogEvent(e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	report, err := l.GenerateComplianceReport(context.Background(), base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if report.TotalEvents != 3 {
		t.Errorf("total = %d", report.TotalEvents)
	}
	if report.FailureCount != 1 {
		t.Errorf("failures = %d", report.FailureCount)
	}
	if report.EventsByActor[core.ContextAgent] != 3 {
		t.Errorf("agent events = %d", report.EventsByActor[core.ContextAgent])
	}

	if len(report.Violations) != 2 {
		t.Fatalf("violations = %d, want 2", len(report.Violations))
	}
	byType := map[core.ViolationType]core.ComplianceViolation{}
	for _, v := range report.Violations {
		byType[v.Type] = v
	}
	if v, ok := byType[core.ViolationUnauthorizedAccess]; !ok || v.Severity != core.RiskMedium {
		t.Errorf("unauthorized-access violation = %+v", v)
	}
	if v, ok := byType[core.ViolationPermissionEscalation]; !ok || v.Severity != core.RiskHigh {
		t.Errorf("permission-escalation violation = %+v", v)
	}
}

func TestNonAdminRoleAssumptionIsNotViolation(t *testing.T) {
	l, _ := newTestLedger(t, nil)

	base := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	err := l.LogEvent(core.AuditEvent{
		EventType: core.EventRoleAssumption,
		Timestamp: base,
		Actor:     core.AuditActor{Kind: core.ContextAgent, Identity: "agent"},
		Operation: core.AuditOperation{
			Service:   "sts",
			Action:    "AssumeRole",
			Resources: []string{"arn:aws:iam::111122223333:role/deploy-readonly"},
		},
		Result: core.AuditResult{Success: true},
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	report, err := l.GenerateComplianceReport(context.Background(), base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Violations) != 0 {
		t.Errorf("violations = %v, want none", report.Violations)
	}
}
