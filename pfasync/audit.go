package pfasync

import (
	"context"
	"time"

	"github.com/mmdatafocus/pfa_mirror/utils"
	"github.com/sirupsen/logrus"
)

const (
	AuditEventSyncSkipped      = "pfa.sync.skipped"
	AuditEventSyncFailed       = "pfa.sync.failed"
	AuditEventSyncCompleted    = "pfa.sync.completed"
	AuditEventDriftAlert       = "pfa.drift.alert"
	AuditEventConflictResolved = "pfa.conflict.resolved"
	AuditEventWriteDeadLetter  = "pfa.writeback.dead_letter"
	AuditEventPrune            = "pfa.mirror.prune"
)

// AuditEvent is an append-only operator record with a stable reason code.
type AuditEvent struct {
	Type           string                 `json:"type"`
	OrganizationId uint                   `json:"organizationId"`
	EndpointId     uint                   `json:"endpointId,omitempty"`
	RunId          uint                   `json:"runId,omitempty"`
	ReasonCode     string                 `json:"reasonCode,omitempty"`
	Message        string                 `json:"message,omitempty"`
	Actor          string                 `json:"actor,omitempty"`
	CorrelationId  string                 `json:"correlationId,omitempty"`
	At             time.Time              `json:"at"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

type AuditSink interface {
	Append(ctx context.Context, event AuditEvent) error
}

// Decrypter turns a stored endpoint secret into the plaintext API key.
type Decrypter interface {
	Decrypt(secret string) (string, error)
}

// LogAuditSink writes audit events as structured log entries.
type LogAuditSink struct {
	Logger *logrus.Logger
}

func (s LogAuditSink) Append(ctx context.Context, event AuditEvent) error {
	if s.Logger == nil {
		return nil
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if event.CorrelationId == "" {
		event.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	fields := logrus.Fields{
		"module":          "pfasync.audit",
		"event":           event.Type,
		"organization_id": event.OrganizationId,
		"reason_code":     event.ReasonCode,
		"actor":           event.Actor,
		"at":              event.At.Format(time.RFC3339Nano),
	}
	if event.EndpointId != 0 {
		fields["endpoint_id"] = event.EndpointId
	}
	if event.RunId != 0 {
		fields["run_id"] = event.RunId
	}
	if event.CorrelationId != "" {
		fields["correlation_id"] = event.CorrelationId
	}
	if len(event.Data) > 0 {
		fields["data"] = event.Data
	}
	s.Logger.WithFields(fields).Info(event.Message)
	return nil
}

func appendAudit(ctx context.Context, sink AuditSink, logger *logrus.Logger, event AuditEvent) {
	if sink == nil {
		return
	}
	if err := sink.Append(ctx, event); err != nil && logger != nil {
		logger.WithFields(logrus.Fields{
			"module": "pfasync.audit",
			"event":  event.Type,
		}).Error("audit append failed: " + err.Error())
	}
}
