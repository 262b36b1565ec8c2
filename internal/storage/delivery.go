package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"campaignbot/internal/model"
)

// GateExists reports whether unit was already attempted for recipientID.
func (s *Store) GateExists(ctx context.Context, recipientID int64, kind model.UnitKind, unitID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE recipient_id = ? AND unit_kind = ? AND unit_id = ?`,
		recipientID, string(kind), unitID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("gate %s/%d recipient %d: %w", kind, unitID, recipientID, err)
	}
	return true, nil
}

// Attempt is the outcome of one delivery unit.
type Attempt struct {
	// Gate writes the RecipientGate record for (RecipientID, UnitKind, UnitID).
	Gate bool
	Log  model.DeliveryLogEntry
	// Next, when set, is enqueued in the same transaction.
	Next *model.Job
}

// RecordAttempt writes the gate record, the log entry and the optional next
// job atomically. A gate record that already exists is left unchanged.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	e := a.Log
	if e.At.IsZero() {
		e.At = s.now()
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if a.Gate {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO deliveries(recipient_id, unit_kind, unit_id, at) VALUES(?, ?, ?, ?)`,
				e.RecipientID, string(e.UnitKind), e.UnitID, ms(e.At)); err != nil {
				return err
			}
		}
		if err := appendLog(ctx, tx, e); err != nil {
			return err
		}
		if a.Next != nil {
			return insertJob(ctx, tx, *a.Next, e.At)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record %s/%d recipient %d: %w", e.UnitKind, e.UnitID, e.RecipientID, err)
	}
	return nil
}

// AppendLog appends one entry to the delivery log.
func (s *Store) AppendLog(ctx context.Context, e model.DeliveryLogEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	return appendLog(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
}

func appendLog(ctx context.Context, db execer, e model.DeliveryLogEntry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO delivery_log(campaign_kind, campaign_id, unit_kind, unit_id, recipient_id, at, status, error, deactivated)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.CampaignKind), e.CampaignID, string(e.UnitKind), e.UnitID, e.RecipientID, ms(e.At), string(e.Status), e.Error,
		boolInt(e.Deactivated))
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// CountByStatus counts log entries of one campaign per status.
func (s *Store) CountByStatus(ctx context.Context, kind model.CampaignKind, campaignID int64) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM delivery_log WHERE campaign_kind = ? AND campaign_id = ? GROUP BY status`,
		string(kind), campaignID)
	if err != nil {
		return nil, fmt.Errorf("count %s %d: %w", kind, campaignID, err)
	}
	defer rows.Close()
	out := map[model.Status]int{model.StatusSuccess: 0, model.StatusError: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

// Summary counts the log entries of one campaign, keeping deactivations
// apart from other failures.
func (s *Store) Summary(ctx context.Context, kind model.CampaignKind, campaignID int64) (model.DeliverySummary, error) {
	var sum model.DeliverySummary
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(status = ?), 0),
			COALESCE(SUM(status = ? AND deactivated = 0), 0),
			COALESCE(SUM(status = ? AND deactivated = 1), 0)
		FROM delivery_log WHERE campaign_kind = ? AND campaign_id = ?`,
		string(model.StatusSuccess), string(model.StatusError), string(model.StatusError), string(kind), campaignID,
	).Scan(&sum.Success, &sum.Failed, &sum.Deactivated)
	if err != nil {
		return sum, fmt.Errorf("summary %s %d: %w", kind, campaignID, err)
	}
	return sum, nil
}

// DeliveryLog returns the entries of one campaign, oldest first.
func (s *Store) DeliveryLog(ctx context.Context, kind model.CampaignKind, campaignID int64) ([]model.DeliveryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, campaign_kind, campaign_id, unit_kind, unit_id, recipient_id, at, status, error, deactivated
		FROM delivery_log WHERE campaign_kind = ? AND campaign_id = ? ORDER BY id`, string(kind), campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeliveryLogEntry
	for rows.Next() {
		var (
			e              model.DeliveryLogEntry
			ck, uk, status  string
			at, deactivated int64
		)
		if err := rows.Scan(&e.ID, &ck, &e.CampaignID, &uk, &e.UnitID, &e.RecipientID, &at, &status, &e.Error, &deactivated); err != nil {
			return nil, err
		}
		e.Deactivated = deactivated == 1
		e.CampaignKind, e.UnitKind, e.Status, e.At = model.CampaignKind(ck), model.UnitKind(uk), model.Status(status), fromMS(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnrollAndEnqueue records that recipientID started scenarioID and enqueues
// first in the same transaction. It returns false, enqueuing nothing, when
// the recipient was already enrolled.
func (s *Store) EnrollAndEnqueue(ctx context.Context, recipientID, scenarioID int64, first model.Job) (bool, error) {
	enrolled := false
	now := s.now()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scenario_enrollments(recipient_id, scenario_id, at) VALUES(?, ?, ?)`,
			recipientID, scenarioID, ms(now))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		enrolled = true
		return insertJob(ctx, tx, first, now)
	})
	if err != nil {
		return false, fmt.Errorf("enroll recipient %d in scenario %d: %w", recipientID, scenarioID, err)
	}
	return enrolled, nil
}

// Enrolled reports whether recipientID started scenarioID.
func (s *Store) Enrolled(ctx context.Context, recipientID, scenarioID int64) (bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, `SELECT at FROM scenario_enrollments WHERE recipient_id = ? AND scenario_id = ?`,
		recipientID, scenarioID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
