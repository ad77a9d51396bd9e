package postgres

import (
	"context"
	"database/sql"
	"errors"

	"linkbot/internal/linking"
)

// AccountStore хранит аккаунты в Postgres.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore создает новый AccountStore.
func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

func (s *AccountStore) FindByEmail(ctx context.Context, email string) (linking.Account, error) {
	const query = `
		SELECT email, chat_id, phone_number
		FROM accounts
		WHERE email = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, email))
}

func (s *AccountStore) FindByChatID(ctx context.Context, chatID int64) (linking.Account, error) {
	if chatID == 0 {
		return linking.Account{}, linking.ErrAccountNotFound
	}
	const query = `
		SELECT email, chat_id, phone_number
		FROM accounts
		WHERE chat_id = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, chatID))
}

func (s *AccountStore) ClaimChat(ctx context.Context, email string, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := releaseChat(ctx, tx, email, chatID); err != nil {
		_ = tx.Rollback()
		return err
	}
	const query = `
		UPDATE accounts
		SET chat_id = $2
		WHERE email = $1
			AND chat_id IS NULL
	`
	result, err := tx.ExecContext(ctx, query, email, chatID)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return linking.ErrLinkConflict
		}
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if updated == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE email = $1)`, email).Scan(&exists); err != nil {
			_ = tx.Rollback()
			return err
		}
		_ = tx.Rollback()
		if !exists {
			return linking.ErrAccountNotFound
		}
		return linking.ErrLinkConflict
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return linking.ErrLinkConflict
		}
		return err
	}
	return nil
}

func (s *AccountStore) SetChatAndPhone(ctx context.Context, email string, chatID int64, phone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := releaseChat(ctx, tx, email, chatID); err != nil {
		_ = tx.Rollback()
		return err
	}
	const query = `
		UPDATE accounts
		SET chat_id = $2,
			phone_number = COALESCE($3::text, phone_number)
		WHERE email = $1
	`
	result, err := tx.ExecContext(ctx, query, email, chatID, nullString(phone))
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return linking.ErrLinkConflict
		}
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if updated == 0 {
		_ = tx.Rollback()
		return linking.ErrAccountNotFound
	}
	return tx.Commit()
}

// Put добавляет или заменяет аккаунт. Нужен командам обслуживания и тестам.
func (s *AccountStore) Put(ctx context.Context, account linking.Account) error {
	const query = `
		INSERT INTO accounts (email, chat_id, phone_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (email)
		DO UPDATE SET chat_id = EXCLUDED.chat_id,
			phone_number = EXCLUDED.phone_number
	`
	var chatValue any
	if account.ChatID != 0 {
		chatValue = account.ChatID
	}
	if _, err := s.db.ExecContext(ctx, query, account.Email, chatValue, nullString(account.PhoneNumber)); err != nil {
		if isUniqueViolation(err) {
			return linking.ErrLinkConflict
		}
		return err
	}
	return nil
}

func (s *AccountStore) scanOne(row *sql.Row) (linking.Account, error) {
	var account linking.Account
	var chatValue sql.NullInt64
	var phoneValue sql.NullString
	if err := row.Scan(&account.Email, &chatValue, &phoneValue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return linking.Account{}, linking.ErrAccountNotFound
		}
		return linking.Account{}, err
	}
	if chatValue.Valid {
		account.ChatID = chatValue.Int64
	}
	if phoneValue.Valid {
		account.PhoneNumber = phoneValue.String
	}
	return account, nil
}

// Чат принадлежит не более чем одному аккаунту.
func releaseChat(ctx context.Context, tx *sql.Tx, email string, chatID int64) error {
	const query = `
		UPDATE accounts
		SET chat_id = NULL
		WHERE chat_id = $1
			AND email <> $2
	`
	_, err := tx.ExecContext(ctx, query, chatID, email)
	return err
}
