package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campaignbot/internal/model"
)

const recipientCols = `id, chat_id, username, active, registered_at`

func scanRecipient(row interface{ Scan(...any) error }) (model.Recipient, error) {
	var (
		r      model.Recipient
		active int
		reg    int64
	)
	if err := row.Scan(&r.ID, &r.ChatID, &r.Username, &active, &reg); err != nil {
		return model.Recipient{}, err
	}
	r.Active, r.RegisteredAt = active == 1, fromMS(reg)
	return r, nil
}

// UpsertRecipient registers chatID or reactivates it. RegisteredAt keeps the
// first-seen time. created is true for a new recipient.
func (s *Store) UpsertRecipient(ctx context.Context, chatID int64, username string, at time.Time) (r model.Recipient, created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		r, err = scanRecipient(tx.QueryRowContext(ctx, `SELECT `+recipientCols+` FROM recipients WHERE chat_id = ?`, chatID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx,
				`INSERT INTO recipients(chat_id, username, active, registered_at) VALUES(?, ?, 1, ?)`,
				chatID, username, ms(at))
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			r = model.Recipient{ID: id, ChatID: chatID, Username: username, Active: true, RegisteredAt: fromMS(ms(at))}
			created = true
			return nil
		case err != nil:
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE recipients SET active = 1, username = ? WHERE id = ?`, username, r.ID); err != nil {
			return err
		}
		r.Active, r.Username = true, username
		return nil
	})
	if err != nil {
		return model.Recipient{}, false, fmt.Errorf("upsert recipient %d: %w", chatID, err)
	}
	return r, created, nil
}

func (s *Store) Recipient(ctx context.Context, id int64) (model.Recipient, error) {
	r, err := scanRecipient(s.db.QueryRowContext(ctx, `SELECT `+recipientCols+` FROM recipients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, fmt.Errorf("recipient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Recipient{}, fmt.Errorf("recipient %d: %w", id, err)
	}
	return r, nil
}

// ActiveRecipients returns every active recipient in id order.
func (s *Store) ActiveRecipients(ctx context.Context) ([]model.Recipient, error) {
	return s.queryRecipients(ctx, `SELECT `+recipientCols+` FROM recipients WHERE active = 1 ORDER BY id`)
}

// EligibleRecipients returns active recipients registered at or before cutoff
// that were never enrolled in scenarioID and never received any of its steps.
func (s *Store) EligibleRecipients(ctx context.Context, scenarioID int64, cutoff time.Time) ([]model.Recipient, error) {
	return s.queryRecipients(ctx, `
		SELECT `+recipientCols+` FROM recipients r
		WHERE r.active = 1 AND r.registered_at <= ?
		  AND NOT EXISTS (SELECT 1 FROM scenario_enrollments e WHERE e.recipient_id = r.id AND e.scenario_id = ?)
		  AND NOT EXISTS (
		    SELECT 1 FROM deliveries d JOIN scenario_steps st ON d.unit_id = st.id
		    WHERE d.unit_kind = ? AND d.recipient_id = r.id AND st.scenario_id = ?)
		ORDER BY r.id`,
		ms(cutoff), scenarioID, string(model.UnitStep), scenarioID)
}

func (s *Store) queryRecipients(ctx context.Context, q string, args ...any) ([]model.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Deactivate flips active to false. Repeating it is harmless.
func (s *Store) Deactivate(ctx context.Context, recipientID int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE recipients SET active = 0 WHERE id = ?`, recipientID); err != nil {
		return fmt.Errorf("deactivate recipient %d: %w", recipientID, err)
	}
	return nil
}

// CountRecipients returns (active, total).
func (s *Store) CountRecipients(ctx context.Context) (active, total int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(active), 0), COUNT(*) FROM recipients`).Scan(&active, &total)
	return active, total, err
}
