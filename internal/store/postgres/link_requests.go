package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"linkbot/internal/linking"
)

// LinkRequestStore хранит запросы на перепривязку в Postgres.
type LinkRequestStore struct {
	db *sql.DB
}

// NewLinkRequestStore создает новый LinkRequestStore.
func NewLinkRequestStore(db *sql.DB) *LinkRequestStore {
	return &LinkRequestStore{db: db}
}

func (s *LinkRequestStore) FindActive(ctx context.Context, email string) (linking.LinkRequest, error) {
	const query = `
		SELECT id, email, new_chat_id, otp, status, created_at, COUNT(*) OVER ()
		FROM link_requests
		WHERE email = $1
			AND status <> 'completed'
		ORDER BY created_at DESC
		LIMIT 1
	`
	request, count, err := scanRequest(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return linking.LinkRequest{}, err
	}
	if count > 1 {
		return request, &linking.InvariantViolationError{Email: email, Count: count, Latest: request}
	}
	return request, nil
}

func (s *LinkRequestStore) FindActiveByChat(ctx context.Context, chatID int64, status linking.Status) (linking.LinkRequest, error) {
	const query = `
		SELECT id, email, new_chat_id, otp, status, created_at, COUNT(*) OVER ()
		FROM link_requests
		WHERE new_chat_id = $1
			AND status = $2
		ORDER BY created_at DESC
		LIMIT 1
	`
	request, count, err := scanRequest(s.db.QueryRowContext(ctx, query, chatID, string(status)))
	if err != nil {
		return linking.LinkRequest{}, err
	}
	if count > 1 {
		return request, &linking.InvariantViolationError{ChatID: chatID, Count: count, Latest: request}
	}
	return request, nil
}

func (s *LinkRequestStore) Upsert(ctx context.Context, request linking.LinkRequest) (linking.LinkRequest, error) {
	if request.Email == "" {
		return linking.LinkRequest{}, errors.New("link request email required")
	}
	if !request.Status.Valid() {
		return linking.LinkRequest{}, fmt.Errorf("link request status %q invalid", request.Status)
	}
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return linking.LinkRequest{}, err
	}
	const release = `
		DELETE FROM link_requests
		WHERE new_chat_id = $1
			AND email <> $2
			AND status <> 'completed'
	`
	if _, err := tx.ExecContext(ctx, release, request.NewChatID, request.Email); err != nil {
		_ = tx.Rollback()
		return linking.LinkRequest{}, err
	}
	const query = `
		INSERT INTO link_requests (id, email, new_chat_id, otp, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email)
		DO UPDATE SET id = EXCLUDED.id,
			new_chat_id = EXCLUDED.new_chat_id,
			otp = EXCLUDED.otp,
			status = EXCLUDED.status,
			created_at = EXCLUDED.created_at
	`
	if _, err := tx.ExecContext(ctx, query, request.ID, request.Email, request.NewChatID, nullString(request.OTP), string(request.Status), request.CreatedAt); err != nil {
		_ = tx.Rollback()
		return linking.LinkRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return linking.LinkRequest{}, err
	}
	return request, nil
}

func (s *LinkRequestStore) Transition(ctx context.Context, id string, from linking.Status, next linking.LinkRequest) error {
	if !next.Status.Valid() {
		return fmt.Errorf("link request status %q invalid", next.Status)
	}
	var createdAt any
	if !next.CreatedAt.IsZero() {
		createdAt = next.CreatedAt
	}
	const query = `
		UPDATE link_requests
		SET status = $3,
			otp = $4,
			created_at = COALESCE($5::timestamptz, created_at)
		WHERE id = $1
			AND status = $2
	`
	result, err := s.db.ExecContext(ctx, query, id, string(from), string(next.Status), nullString(next.OTP), createdAt)
	if err != nil {
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if updated == 0 {
		return linking.ErrRequestNotFound
	}
	return nil
}

func (s *LinkRequestStore) DeleteByID(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM link_requests WHERE id = $1`, id)
	return err
}

func (s *LinkRequestStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM link_requests WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRequest(row *sql.Row) (linking.LinkRequest, int, error) {
	var request linking.LinkRequest
	var otpValue sql.NullString
	var status string
	var count int
	if err := row.Scan(&request.ID, &request.Email, &request.NewChatID, &otpValue, &status, &request.CreatedAt, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return linking.LinkRequest{}, 0, linking.ErrRequestNotFound
		}
		return linking.LinkRequest{}, 0, err
	}
	if otpValue.Valid {
		request.OTP = otpValue.String
	}
	request.Status = linking.Status(status)
	return request, count, nil
}
