package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campaignbot/internal/model"
)

// UnitBuilder builds the delivery job of one mailing for one recipient.
type UnitBuilder func(mailingID, recipientID int64) (model.Job, error)

// CreateBroadcast stores b as an instant mailing that is already claimed,
// so the mailing dispatcher never picks it up, and enqueues one unit per
// active recipient in the same transaction. It sets b.MailingID and returns
// the number of units.
func (s *Store) CreateBroadcast(ctx context.Context, b *model.Broadcast, unit UnitBuilder) (int, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	units := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO mailings(title, ready_to_send, processed, instant, created_at)
			VALUES(?, 1, 1, 1, ?)`, fmt.Sprintf("%s broadcast from chat %d", b.Kind, b.ChatID), ms(b.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert mailing: %w", err)
		}
		if b.MailingID, err = res.LastInsertId(); err != nil {
			return err
		}
		item := []model.MediaItem{{Kind: b.Kind, FileID: b.FileID}}
		if err := insertMedia(ctx, tx, `INSERT INTO mailing_media(mailing_id, kind, path, file_id) VALUES(?, ?, ?, ?)`, b.MailingID, item); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO broadcasts(mailing_id, chat_id, kind, file_id, created_at) VALUES(?, ?, ?, ?, ?)`,
			b.MailingID, b.ChatID, string(b.Kind), b.FileID, ms(b.CreatedAt)); err != nil {
			return fmt.Errorf("insert broadcast: %w", err)
		}

		ids, err := activeRecipientIDs(ctx, tx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			j, err := unit(b.MailingID, id)
			if err != nil {
				return err
			}
			if err := insertJob(ctx, tx, j, b.CreatedAt); err != nil {
				return err
			}
		}
		units = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create %s broadcast: %w", b.Kind, err)
	}
	return units, nil
}

func activeRecipientIDs(ctx context.Context, tx *sql.Tx) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM recipients WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("active recipients: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SettledBroadcasts returns unreported broadcasts with no unit left pending
// or running.
func (s *Store) SettledBroadcasts(ctx context.Context) ([]model.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT b.mailing_id, b.chat_id, b.kind, b.file_id, b.created_at FROM broadcasts b
		WHERE b.reported_at IS NULL AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.kind = ? AND j.state IN (?, ?)
			  AND json_extract(j.payload, '$.mailing_id') = b.mailing_id)
		ORDER BY b.mailing_id`,
		string(model.JobMailingUnit), string(model.JobPending), string(model.JobRunning))
	if err != nil {
		return nil, fmt.Errorf("settled broadcasts: %w", err)
	}
	defer rows.Close()
	var out []model.Broadcast
	for rows.Next() {
		var (
			b       model.Broadcast
			kind    string
			created int64
		)
		if err := rows.Scan(&b.MailingID, &b.ChatID, &kind, &b.FileID, &created); err != nil {
			return nil, err
		}
		b.Kind, b.CreatedAt = model.MediaKind(kind), fromMS(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkBroadcastReported records that the result of mailingID was sent.
func (s *Store) MarkBroadcastReported(ctx context.Context, mailingID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE broadcasts SET reported_at = ? WHERE mailing_id = ?`, ms(at), mailingID)
	if err != nil {
		return fmt.Errorf("broadcast %d: %w", mailingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("broadcast %d: %w", mailingID, ErrNotFound)
	}
	return nil
}
