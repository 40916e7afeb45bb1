package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/pchinjr/no-wing/internal/core"
)

// QueryEvents flushes the buffer, reads the local log, and returns events
// matching every filter present in the query. When a remote source is
// configured its events are merged in, deduplicated by id with remote events
// taking precedence.
func (l *Ledger) QueryEvents(ctx context.Context, q core.AuditQuery) ([]core.AuditEvent, error) {
	if err := l.Flush(); err != nil {
		return nil, err
	}

	local, err := l.readLocal()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]core.AuditEvent, len(local))
	for _, e := range local {
		byID[e.ID] = e
	}

	if l.remoteSource != nil {
		remote, err := l.remoteSource.FetchEvents(ctx, q)
		if err != nil {
			l.logger.Warn().Err(err).Msg("remote audit query failed; returning local events only")
		} else {
			for _, e := range remote {
				byID[e.ID] = e
			}
		}
	}

	var matched []core.AuditEvent
	for _, e := range byID {
		if Matches(e, q) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

// Matches reports whether an event satisfies every filter present in the query.
func Matches(e core.AuditEvent, q core.AuditQuery) bool {
	if q.Start != nil && e.Timestamp.Before(*q.Start) {
		return false
	}
	if q.End != nil && e.Timestamp.After(*q.End) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, e.EventType) {
		return false
	}
	if len(q.ActorKinds) > 0 && !containsKind(q.ActorKinds, e.Actor.Kind) {
		return false
	}
	if len(q.Services) > 0 && !containsString(q.Services, e.Operation.Service) {
		return false
	}
	if q.Success != nil && e.Result.Success != *q.Success {
		return false
	}
	return true
}

func (l *Ledger) readLocal() ([]core.AuditEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []core.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e core.AuditEvent
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn().Err(err).Msg("skipping malformed audit line")
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

func containsEventType(list []core.AuditEventType, v core.AuditEventType) bool {
	for _, t := range list {
		if t == v {
			return true
		}
	}
	return false
}

func containsKind(list []core.ContextKind, v core.ContextKind) bool {
	for _, k := range list {
		if k == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
