// Package events publishes batch progress over NATS so frontends can
// follow long-running analyses. Publishing is advisory: a missing
// connection or a failed publish never affects the pipeline.
package events

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/inboxsense/inboxsense/pkg/helpers"
)

const (
	TypeBatchStarted  = "batch.started"
	TypeBatchFinished = "batch.finished"
	TypeBatchFailed   = "batch.failed"
)

// ProgressEvent is the wire shape of one progress notification.
type ProgressEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	UserID    string    `json:"userId"`
	BatchID   string    `json:"batchId"`
	Emails    int       `json:"emails,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher emits progress events on analysis.progress.<userID>. A nil
// connection turns it into a no-op, which keeps offline runs silent.
type Publisher struct {
	logger *log.Logger
	nc     *nats.Conn
}

func NewPublisher(logger *log.Logger, nc *nats.Conn) *Publisher {
	return &Publisher{logger: logger, nc: nc}
}

// Subject returns the per-user progress subject.
func Subject(userID string) string {
	return fmt.Sprintf("analysis.progress.%s", userID)
}

func (p *Publisher) BatchStarted(userID, batchID string, emails int) {
	p.publish(ProgressEvent{
		Type:    TypeBatchStarted,
		UserID:  userID,
		BatchID: batchID,
		Emails:  emails,
	})
}

func (p *Publisher) BatchFinished(userID, batchID string, succeeded, failed int) {
	p.publish(ProgressEvent{
		Type:      TypeBatchFinished,
		UserID:    userID,
		BatchID:   batchID,
		Succeeded: succeeded,
		Failed:    failed,
	})
}

func (p *Publisher) BatchFailed(userID, batchID string, reason string) {
	p.publish(ProgressEvent{
		Type:    TypeBatchFailed,
		UserID:  userID,
		BatchID: batchID,
		Reason:  reason,
	})
}

func (p *Publisher) publish(event ProgressEvent) {
	if p.nc == nil {
		return
	}

	event.ID = uuid.New().String()
	event.Timestamp = time.Now().UTC()

	size, err := helpers.NatsPublish(p.nc, Subject(event.UserID), event)
	if err != nil {
		p.logger.Warn("Failed to publish progress event", "type", event.Type, "user", event.UserID, "error", err)
		return
	}

	p.logger.Debug("Published progress event", "type", event.Type, "user", event.UserID, "batch", event.BatchID, "bytes", size)
}
