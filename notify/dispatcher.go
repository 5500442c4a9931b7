// Package notify renders lifecycle-event templates and hands them to the
// external mail collaborator, tracking per-recipient delivery status. Sends
// are fire-and-forget from the orchestrator's perspective; outcomes are
// persisted for audit.
package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Mailer is the external email dispatcher collaborator.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher sends notifications and records delivery outcomes. Delivery ids
// are generated client side so the id can be logged before the insert.
type Dispatcher struct {
	pool   *pgxpool.Pool
	mailer Mailer
	log    *logrus.Logger
	idGen  func() string
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(pool *pgxpool.Pool, mailer Mailer, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		pool:   pool,
		mailer: mailer,
		log:    log,
		idGen:  func() string { return uuid.NewString() },
	}
}

// Recipient pairs an address with the name used in rendering.
type Recipient struct {
	Email string
	Name  string
}

// SendParams describes one notification batch.
type SendParams struct {
	ParentKind string
	ParentID   string
	Type       Type
	Recipients []Recipient
	Data       TemplateData

	// AdminData, when set, replaces Data for recipients listed in AdminEmails
	// (used for action-required variants to admins/owners).
	AdminData   *TemplateData
	AdminEmails map[string]bool
}

// Send renders and delivers the notification to every recipient, persisting a
// delivery row per recipient. Delivery failures are recorded, logged, and
// never returned to the calling workflow; only persistence failures are.
func (d *Dispatcher) Send(ctx context.Context, params SendParams) ([]Delivery, error) {
	if params.ParentID == "" {
		return nil, fmt.Errorf("notify: missing parent id")
	}

	deliveries := make([]Delivery, 0, len(params.Recipients))
	for _, rcpt := range params.Recipients {
		data := params.Data
		if params.AdminData != nil && params.AdminEmails[rcpt.Email] {
			data = *params.AdminData
		}
		data.RecipientName = rcpt.Name

		delivery, err := d.deliverOne(ctx, params, rcpt.Email, data)
		if err != nil {
			return deliveries, err
		}
		deliveries = append(deliveries, delivery)
	}

	return deliveries, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, params SendParams, email string, data TemplateData) (Delivery, error) {
	status := DeliverySent
	var sendErr string

	msg, err := Render(params.Type, email, data)
	if err != nil {
		status = DeliveryFailed
		sendErr = err.Error()
	} else if err := d.mailer.Send(ctx, msg); err != nil {
		status = DeliveryFailed
		sendErr = err.Error()
		d.log.WithFields(logrus.Fields{
			"type":      params.Type,
			"recipient": email,
			"parent_id": params.ParentID,
		}).WithError(err).Warn("notification delivery failed")
	}

	var lastErr any
	if sendErr != "" {
		lastErr = sendErr
	}

	var delivery Delivery
	var lastErrOut *string
	row := d.pool.QueryRow(ctx, `
		INSERT INTO notification_deliveries (id, parent_kind, parent_id, type, recipient, status, attempts, last_error, sent_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, 1, $7, CASE WHEN $6 = 'sent' THEN get_tx_timestamp() END)
		RETURNING id, parent_kind, parent_id, type, recipient, status, attempts, last_error, sent_at
	`, d.idGen(), params.ParentKind, params.ParentID, params.Type, email, status, lastErr)
	if err := row.Scan(
		&delivery.ID,
		&delivery.ParentKind,
		&delivery.ParentID,
		&delivery.Type,
		&delivery.Recipient,
		&delivery.Status,
		&delivery.Attempts,
		&lastErrOut,
		&delivery.SentAt,
	); err != nil {
		return Delivery{}, fmt.Errorf("notify: record delivery: %w", err)
	}
	delivery.LastError = lastErrOut

	return delivery, nil
}

// ListDeliveries returns the delivery records for one parent workflow.
func (d *Dispatcher) ListDeliveries(ctx context.Context, parentKind, parentID string) ([]Delivery, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, parent_kind, parent_id, type, recipient, status, attempts, last_error, sent_at
		FROM notification_deliveries
		WHERE parent_kind = $1 AND parent_id = $2
		ORDER BY created_at ASC
	`, parentKind, parentID)
	if err != nil {
		return nil, fmt.Errorf("notify: list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]Delivery, 0, 8)
	for rows.Next() {
		var dl Delivery
		if err := rows.Scan(&dl.ID, &dl.ParentKind, &dl.ParentID, &dl.Type, &dl.Recipient, &dl.Status, &dl.Attempts, &dl.LastError, &dl.SentAt); err != nil {
			return nil, fmt.Errorf("notify: scan delivery: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate deliveries: %w", err)
	}
	return out, nil
}

// LogMailer is a development mailer that logs instead of sending.
type LogMailer struct {
	Log *logrus.Logger
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.Log.WithFields(logrus.Fields{"to": msg.To, "subject": msg.Subject}).Info("mail: send")
	return nil
}
