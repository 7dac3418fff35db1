package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting reads one settings value. Returns "" and no error when unset.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	ctx = ensureContext(ctx)
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts one settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	ctx = ensureContext(ctx)
	return s.execWithoutResultRetry(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, timeString(time.Now()),
	)
}

const channelColumns = "id, user_id, name, category, media_mode, auto_schedule, schedule_spec, created_at, updated_at"

func scanChannel(row rowScanner) (*Channel, error) {
	var (
		channel      Channel
		autoSchedule int
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(&channel.ID, &channel.UserID, &channel.Name, &channel.Category, &channel.MediaMode, &autoSchedule, &channel.ScheduleSpec, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	channel.AutoSchedule = autoSchedule != 0
	if t, err := parseTimeString(createdAt); err == nil {
		channel.CreatedAt = t
	}
	if t, err := parseTimeString(updatedAt); err == nil {
		channel.UpdatedAt = t
	}
	return &channel, nil
}

// CreateChannel inserts a channel and returns the stored record.
func (s *Store) CreateChannel(ctx context.Context, channel Channel) (*Channel, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		INSERT INTO channels (user_id, name, category, media_mode, auto_schedule, schedule_spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		channel.UserID, channel.Name, channel.Category, channel.MediaMode, boolToInt(channel.AutoSchedule), channel.ScheduleSpec, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("channel insert id: %w", err)
	}
	return s.GetChannel(ctx, id)
}

// GetChannel fetches a channel by id. Returns nil when absent.
func (s *Store) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	channel, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return channel, nil
}

// AutoScheduleChannels returns channels with automatic scheduling enabled.
func (s *Store) AutoScheduleChannels(ctx context.Context) ([]*Channel, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE auto_schedule = 1 ORDER BY id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("auto schedule channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

// UpsertUser creates the user row if missing, leaving credits untouched when
// it exists.
func (s *Store) UpsertUser(ctx context.Context, id string, credits int64) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	return s.execWithoutResultRetry(ctx, `
		INSERT INTO users (id, credits, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, credits, now, now,
	)
}

// UserCredits returns the credit balance for a user.
func (s *Store) UserCredits(ctx context.Context, id string) (int64, error) {
	ctx = ensureContext(ctx)
	var credits int64
	err := s.db.QueryRowContext(ctx, "SELECT credits FROM users WHERE id = ?", id).Scan(&credits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("user credits: %w", err)
	}
	return credits, nil
}

// CreditTransactions returns the transactions for a user, newest first.
func (s *Store) CreditTransactions(ctx context.Context, userID string) ([]*CreditTransaction, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, reason, schedule_id, created_at
		FROM credit_transactions WHERE user_id = ? ORDER BY id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []*CreditTransaction
	for rows.Next() {
		var (
			tx         CreditTransaction
			scheduleID sql.NullInt64
			createdAt  string
		)
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Reason, &scheduleID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		if scheduleID.Valid {
			id := scheduleID.Int64
			tx.ScheduleID = &id
		}
		if t, err := parseTimeString(createdAt); err == nil {
			tx.CreatedAt = t
		}
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}
