package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campaignbot/internal/model"
)

const mailingCols = `id, title, text, button_text, button_url, ready_to_send, processed, instant, scheduled_at, created_at`

// CreateMailing inserts m with its media and sets m.ID.
func (s *Store) CreateMailing(ctx context.Context, m *model.Mailing) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	var sched any
	if !m.ScheduledAt.IsZero() {
		sched = ms(m.ScheduledAt)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO mailings(title, text, button_text, button_url, ready_to_send, processed, instant, scheduled_at, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Title, m.Content.Text, m.Content.ButtonText, m.Content.ButtonURL,
			boolInt(m.ReadyToSend), boolInt(m.Processed), boolInt(m.Instant), sched, ms(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert mailing: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return insertMedia(ctx, tx, `INSERT INTO mailing_media(mailing_id, kind, path, file_id) VALUES(?, ?, ?, ?)`, m.ID, m.Content.Media)
	})
}

func insertMedia(ctx context.Context, tx *sql.Tx, q string, owner int64, items []model.MediaItem) error {
	for _, it := range items {
		if _, err := tx.ExecContext(ctx, q, owner, string(it.Kind), it.Path, it.FileID); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}
	return nil
}

func (s *Store) Mailing(ctx context.Context, id int64) (model.Mailing, error) {
	found, err := s.queryMailings(ctx, `SELECT `+mailingCols+` FROM mailings WHERE id = ?`, id)
	if err != nil {
		return model.Mailing{}, fmt.Errorf("mailing %d: %w", id, err)
	}
	if len(found) == 0 {
		return model.Mailing{}, fmt.Errorf("mailing %d: %w", id, ErrNotFound)
	}
	return found[0], nil
}

// InstantMailings returns ready, unprocessed instant mailings.
func (s *Store) InstantMailings(ctx context.Context) ([]model.Mailing, error) {
	return s.queryMailings(ctx, `SELECT `+mailingCols+` FROM mailings
		WHERE ready_to_send = 1 AND processed = 0 AND instant = 1 ORDER BY id`)
}

// TimedMailings returns ready, unprocessed timed mailings scheduled at or before now.
func (s *Store) TimedMailings(ctx context.Context, now time.Time) ([]model.Mailing, error) {
	return s.queryMailings(ctx, `SELECT `+mailingCols+` FROM mailings
		WHERE ready_to_send = 1 AND processed = 0 AND instant = 0
		  AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at, id`, ms(now))
}

// ClaimMailing sets processed only if it was still unset. It returns false
// when another tick claimed the mailing first.
func (s *Store) ClaimMailing(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE mailings SET processed = 1 WHERE id = ? AND processed = 0`, id)
	if err != nil {
		return false, fmt.Errorf("claim mailing %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim mailing %d: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) queryMailings(ctx context.Context, q string, args ...any) ([]model.Mailing, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []model.Mailing
	for rows.Next() {
		var (
			m                         model.Mailing
			ready, processed, instant int
			sched                     sql.NullInt64
			created                   int64
		)
		if err := rows.Scan(&m.ID, &m.Title, &m.Content.Text, &m.Content.ButtonText, &m.Content.ButtonURL,
			&ready, &processed, &instant, &sched, &created); err != nil {
			rows.Close()
			return nil, err
		}
		m.ReadyToSend, m.Processed, m.Instant = ready == 1, processed == 1, instant == 1
		if sched.Valid {
			m.ScheduledAt = fromMS(sched.Int64)
		}
		m.CreatedAt = fromMS(created)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Media is loaded after rows is closed: the pool has a single connection.
	for i := range out {
		if out[i].Content.Media, err = s.media(ctx, `SELECT kind, path, file_id FROM mailing_media WHERE mailing_id = ? ORDER BY id`, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) media(ctx context.Context, q string, owner int64) ([]model.MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.MediaItem
	for rows.Next() {
		var it model.MediaItem
		var kind string
		if err := rows.Scan(&kind, &it.Path, &it.FileID); err != nil {
			return nil, err
		}
		it.Kind = model.MediaKind(kind)
		out = append(out, it)
	}
	return out, rows.Err()
}

// CreateScenario inserts sc and its steps, setting IDs. Steps with Seq 0 are
// numbered by position.
func (s *Store) CreateScenario(ctx context.Context, sc *model.Scenario) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO scenarios(title, trigger_delay_hours, active) VALUES(?, ?, ?)`,
			sc.Title, sc.TriggerDelayHours, boolInt(sc.Active))
		if err != nil {
			return fmt.Errorf("insert scenario: %w", err)
		}
		if sc.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		for i := range sc.Steps {
			st := &sc.Steps[i]
			st.ScenarioID = sc.ID
			if st.Seq == 0 {
				st.Seq = i + 1
			}
			res, err := tx.ExecContext(ctx, `INSERT INTO scenario_steps(scenario_id, seq, text, button_text, button_url, delay_seconds)
				VALUES(?, ?, ?, ?, ?, ?)`,
				sc.ID, st.Seq, st.Content.Text, st.Content.ButtonText, st.Content.ButtonURL, st.DelaySeconds)
			if err != nil {
				return fmt.Errorf("insert step %d: %w", st.Seq, err)
			}
			if st.ID, err = res.LastInsertId(); err != nil {
				return err
			}
			if err := insertMedia(ctx, tx, `INSERT INTO step_media(step_id, kind, path, file_id) VALUES(?, ?, ?, ?)`, st.ID, st.Content.Media); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scenario loads one scenario with its steps in order.
func (s *Store) Scenario(ctx context.Context, id int64) (model.Scenario, error) {
	scs, err := s.queryScenarios(ctx, `SELECT id, title, trigger_delay_hours, active FROM scenarios WHERE id = ?`, id)
	if err != nil {
		return model.Scenario{}, fmt.Errorf("scenario %d: %w", id, err)
	}
	if len(scs) == 0 {
		return model.Scenario{}, fmt.Errorf("scenario %d: %w", id, ErrNotFound)
	}
	return scs[0], nil
}

// ActiveScenarios returns active scenarios that have at least one step.
func (s *Store) ActiveScenarios(ctx context.Context) ([]model.Scenario, error) {
	return s.queryScenarios(ctx, `SELECT id, title, trigger_delay_hours, active FROM scenarios sc
		WHERE active = 1 AND EXISTS (SELECT 1 FROM scenario_steps st WHERE st.scenario_id = sc.id)
		ORDER BY id`)
}

func (s *Store) queryScenarios(ctx context.Context, q string, args ...any) ([]model.Scenario, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []model.Scenario
	for rows.Next() {
		var sc model.Scenario
		var active int
		if err := rows.Scan(&sc.ID, &sc.Title, &sc.TriggerDelayHours, &active); err != nil {
			rows.Close()
			return nil, err
		}
		sc.Active = active == 1
		out = append(out, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Steps, err = s.steps(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) steps(ctx context.Context, scenarioID int64) ([]model.ScenarioStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, scenario_id, seq, text, button_text, button_url, delay_seconds
		FROM scenario_steps WHERE scenario_id = ? ORDER BY seq, id`, scenarioID)
	if err != nil {
		return nil, err
	}
	var out []model.ScenarioStep
	for rows.Next() {
		var st model.ScenarioStep
		if err := rows.Scan(&st.ID, &st.ScenarioID, &st.Seq, &st.Content.Text, &st.Content.ButtonText, &st.Content.ButtonURL, &st.DelaySeconds); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Content.Media, err = s.media(ctx, `SELECT kind, path, file_id FROM step_media WHERE step_id = ? ORDER BY id`, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SetScenarioActive toggles a scenario.
func (s *Store) SetScenarioActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scenarios SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("scenario %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scenario %d: %w", id, ErrNotFound)
	}
	return nil
}
