package workflow

import (
	"context"
	"log"
)

// LoggingAuditRepository writes audit events to the process log, the
// default sink until a durable audit store is wired in.
type LoggingAuditRepository struct{}

// NewLoggingAuditRepository builds the default AuditRepository.
func NewLoggingAuditRepository() *LoggingAuditRepository { return &LoggingAuditRepository{} }

func (a *LoggingAuditRepository) AppendAuditEvent(ctx context.Context, event AuditEvent) error {
	log.Printf("audit: tenant=%s subject=%s action=%s detail=%v", event.TenantID, event.Subject, event.Action, event.Detail)
	return nil
}

// NoopEmailSender discards SendEmail calls, the default EmailSender until a
// real SMTP/provider integration is wired in.
type NoopEmailSender struct{}

func (NoopEmailSender) SendEmail(ctx context.Context, payload JSONObject) error {
	log.Printf("email dispatch (noop sender): %v", payload)
	return nil
}
