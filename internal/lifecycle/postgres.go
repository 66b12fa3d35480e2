package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SuperALKALINEdroiD/unsend/internal/message"
	"github.com/SuperALKALINEdroiD/unsend/internal/metrics"
)

const messageColumns = `id, team_id, domain_id, locality, sender, recipients, cc, bcc, reply_to,
	subject, text_body, html_body, template_id, attachments, scheduled_at, status,
	api_key_id, provider_message_id, created_at, updated_at`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *message.Message) error {
	defer observe("create_message", time.Now())

	attachments, err := json.Marshal(nonNil(m.Attachments))
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, team_id, domain_id, locality, sender, recipients, cc, bcc, reply_to,
			subject, text_body, html_body, template_id, attachments, scheduled_at, status, api_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		m.ID, m.TeamID, m.DomainID, m.Locality, m.From, nonNil(m.To), nonNil(m.CC), nonNil(m.BCC), nonNil(m.ReplyTo),
		m.Subject, m.Text, m.HTML, m.TemplateID, attachments, m.ScheduledAt, string(m.Status), m.APIKeyID,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("create_message").Inc()
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	defer observe("get_message", time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		metrics.DBErrorsTotal.WithLabelValues("get_message").Inc()
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, t Transition) (*message.Message, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	defer observe("transition", time.Now())

	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	var updated *message.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE messages SET
				status = $2,
				scheduled_at = COALESCE($3::timestamptz, scheduled_at),
				provider_message_id = COALESCE($4::text, provider_message_id),
				updated_at = NOW()
			WHERE id = $1 AND status = ANY($5)
			RETURNING `+messageColumns,
			id, string(t.To), t.Patch.ScheduledAt, t.Patch.ProviderMessageID, from,
		)
		m, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var actual string
			lookupErr := tx.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&actual)
			if errors.Is(lookupErr, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if lookupErr != nil {
				return fmt.Errorf("read status: %w", lookupErr)
			}
			return &StatusConflictError{ID: id, Actual: message.Status(actual)}
		}
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		if t.Event != nil {
			if err := insertEvent(ctx, tx, id, t.To, t.Event.Data); err != nil {
				return err
			}
		}
		updated = m
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStatusConflict) {
			metrics.DBErrorsTotal.WithLabelValues("transition").Inc()
			return nil, fmt.Errorf("transition %s to %s: %w", id, t.To, err)
		}
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, id uuid.UUID, status message.Status, data map[string]any) error {
	defer observe("append_event", time.Now())
	if err := insertEvent(ctx, s.pool, id, status, data); err != nil {
		metrics.DBErrorsTotal.WithLabelValues("append_event").Inc()
		return err
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, id uuid.UUID) ([]message.Event, error) {
	defer observe("list_events", time.Now())

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check message %s: %w", id, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, status, data, created_at
		FROM message_events WHERE message_id = $1 ORDER BY id`, id)
	if err != nil {
		metrics.DBErrorsTotal.WithLabelValues("list_events").Inc()
		return nil, fmt.Errorf("list events %s: %w", id, err)
	}
	defer rows.Close()

	var events []message.Event
	for rows.Next() {
		var (
			e      message.Event
			status string
			data   []byte
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &status, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Status = message.Status(status)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*message.Message, error) {
	defer observe("find_by_provider_id", time.Now())

	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1`, providerMessageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find message by provider id: %w", err)
	}
	return m, nil
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertEvent(ctx context.Context, db queryRower, id uuid.UUID, status message.Status, data map[string]any) error {
	var payload []byte
	if data != nil {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
	}

	var eventID int64
	err := db.QueryRow(ctx, `
		INSERT INTO message_events (message_id, status, data)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM messages WHERE id = $1)
		RETURNING id`,
		id, string(status), payload,
	).Scan(&eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		m                 message.Message
		status            string
		attachments       []byte
		providerMessageID *string
	)
	err := row.Scan(
		&m.ID, &m.TeamID, &m.DomainID, &m.Locality, &m.From, &m.To, &m.CC, &m.BCC, &m.ReplyTo,
		&m.Subject, &m.Text, &m.HTML, &m.TemplateID, &attachments, &m.ScheduledAt, &status,
		&m.APIKeyID, &providerMessageID, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = message.Status(status)
	if providerMessageID != nil {
		m.ProviderMessageID = *providerMessageID
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func observe(query string, start time.Time) {
	metrics.DBQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}
