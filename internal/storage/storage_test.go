package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"campaignbot/internal/model"
	logx "campaignbot/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addRecipient(t *testing.T, s *Store, chatID int64, at time.Time) model.Recipient {
	t.Helper()
	r, _, err := s.UpsertRecipient(context.Background(), chatID, "u", at)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTest(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestUpsertRecipientReactivates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r, created, err := s.UpsertRecipient(ctx, 42, "ann", first)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	if err := s.Deactivate(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	again, created, err := s.UpsertRecipient(ctx, 42, "ann2", first.Add(time.Hour))
	if err != nil || created {
		t.Fatalf("second upsert: created=%v err=%v", created, err)
	}
	if !again.Active || again.ID != r.ID || !again.RegisteredAt.Equal(first) || again.Username != "ann2" {
		t.Fatalf("recipient = %+v", again)
	}
	if _, err := s.Recipient(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Recipient(999) = %v", err)
	}
}

func TestMailingQueriesAndClaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	instant := &model.Mailing{Title: "now", ReadyToSend: true, Instant: true,
		Content: model.Content{Text: "hi", Media: []model.MediaItem{{Kind: model.MediaPhoto, Path: "a.jpg"}, {Path: "b.mp4"}}}}
	due := &model.Mailing{Title: "due", ReadyToSend: true, ScheduledAt: now.Add(-time.Minute), Content: model.Content{Text: "x"}}
	later := &model.Mailing{Title: "later", ReadyToSend: true, ScheduledAt: now.Add(time.Hour), Content: model.Content{Text: "x"}}
	draft := &model.Mailing{Title: "draft", Instant: true, Content: model.Content{Text: "x"}}
	for _, m := range []*model.Mailing{instant, due, later, draft} {
		if err := s.CreateMailing(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.InstantMailings(ctx)
	if err != nil || len(got) != 1 || got[0].ID != instant.ID {
		t.Fatalf("InstantMailings = %+v, %v", got, err)
	}
	if len(got[0].Content.Media) != 2 || got[0].Content.Media[1].Path != "b.mp4" {
		t.Fatalf("media = %+v", got[0].Content.Media)
	}
	timed, err := s.TimedMailings(ctx, now)
	if err != nil || len(timed) != 1 || timed[0].ID != due.ID {
		t.Fatalf("TimedMailings = %+v, %v", timed, err)
	}

	ok, err := s.ClaimMailing(ctx, instant.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = s.ClaimMailing(ctx, instant.ID)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}
	if got, _ := s.InstantMailings(ctx); len(got) != 0 {
		t.Fatalf("claimed mailing still listed: %+v", got)
	}
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	m := &model.Mailing{ReadyToSend: true, Instant: true, Content: model.Content{Text: "x"}}
	if err := s.CreateMailing(ctx, m); err != nil {
		t.Fatal(err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimMailing(ctx, m.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestEligibleRecipientsAndEnrollment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()

	sc := &model.Scenario{Title: "welcome", TriggerDelayHours: 2, Active: true, Steps: []model.ScenarioStep{
		{Content: model.Content{Text: "one"}}, {Content: model.Content{Text: "two"}, DelaySeconds: 60},
	}}
	if err := s.CreateScenario(ctx, sc); err != nil {
		t.Fatal(err)
	}
	old := addRecipient(t, s, 1, now.Add(-3*time.Hour))
	fresh := addRecipient(t, s, 2, now.Add(-time.Hour))
	gone := addRecipient(t, s, 3, now.Add(-5*time.Hour))
	got := addRecipient(t, s, 4, now.Add(-5*time.Hour))
	_ = fresh
	if err := s.Deactivate(ctx, gone.ID); err != nil {
		t.Fatal(err)
	}
	// recipient 4 already received step 2 through some earlier chain
	if err := s.RecordAttempt(ctx, Attempt{Gate: true, Log: model.DeliveryLogEntry{
		CampaignKind: model.CampaignScenario, CampaignID: sc.ID, UnitKind: model.UnitStep,
		UnitID: sc.Steps[1].ID, RecipientID: got.ID, Status: model.StatusSuccess,
	}}); err != nil {
		t.Fatal(err)
	}

	cutoff := now.Add(-2 * time.Hour)
	el, err := s.EligibleRecipients(ctx, sc.ID, cutoff)
	if err != nil || len(el) != 1 || el[0].ID != old.ID {
		t.Fatalf("EligibleRecipients = %+v, %v", el, err)
	}

	job, _ := model.NewJob("j1", model.JobStepUnit, model.StepUnit{ScenarioID: sc.ID, StepID: sc.Steps[0].ID, RecipientID: old.ID}, now)
	ok, err := s.EnrollAndEnqueue(ctx, old.ID, sc.ID, job)
	if err != nil || !ok {
		t.Fatalf("EnrollAndEnqueue = %v, %v", ok, err)
	}
	job.ID = "j2"
	if ok, _ := s.EnrollAndEnqueue(ctx, old.ID, sc.ID, job); ok {
		t.Fatal("second enrollment must be refused")
	}
	if el, _ := s.EligibleRecipients(ctx, sc.ID, cutoff); len(el) != 0 {
		t.Fatalf("enrolled recipient still eligible: %+v", el)
	}
	st, _ := s.Stats(ctx, now)
	if st.Pending != 1 {
		t.Fatalf("pending = %d, want 1", st.Pending)
	}
}

func TestActiveScenariosNeedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	empty := &model.Scenario{Title: "empty", Active: true}
	full := &model.Scenario{Title: "full", Active: true, Steps: []model.ScenarioStep{
		{Seq: 2, Content: model.Content{Text: "b"}},
		{Seq: 1, Content: model.Content{Text: "a", Media: []model.MediaItem{{Kind: model.MediaVideo, Path: "v.mp4"}}}},
	}}
	off := &model.Scenario{Title: "off", Steps: []model.ScenarioStep{{Content: model.Content{Text: "x"}}}}
	for _, sc := range []*model.Scenario{empty, full, off} {
		if err := s.CreateScenario(ctx, sc); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ActiveScenarios(ctx)
	if err != nil || len(got) != 1 || got[0].ID != full.ID {
		t.Fatalf("ActiveScenarios = %+v, %v", got, err)
	}
	if got[0].Steps[0].Content.Text != "a" || len(got[0].Steps[0].Content.Media) != 1 {
		t.Fatalf("steps not ordered by seq: %+v", got[0].Steps)
	}
}

func TestRecordAttemptAndCounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	entry := func(rid int64, st model.Status) model.DeliveryLogEntry {
		return model.DeliveryLogEntry{CampaignKind: model.CampaignMailing, CampaignID: 7, UnitKind: model.UnitMailing, UnitID: 7, RecipientID: rid, Status: st}
	}
	next, _ := model.NewJob("next", model.JobStepUnit, model.StepUnit{}, time.Now().Add(time.Hour))
	if err := s.RecordAttempt(ctx, Attempt{Gate: true, Log: entry(1, model.StatusSuccess), Next: &next}); err != nil {
		t.Fatal(err)
	}
	// duplicate gate write is ignored, the log still grows
	if err := s.RecordAttempt(ctx, Attempt{Gate: true, Log: entry(1, model.StatusError)}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendLog(ctx, entry(2, model.StatusError)); err != nil {
		t.Fatal(err)
	}

	ok, err := s.GateExists(ctx, 1, model.UnitMailing, 7)
	if err != nil || !ok {
		t.Fatalf("GateExists = %v, %v", ok, err)
	}
	if ok, _ := s.GateExists(ctx, 2, model.UnitMailing, 7); ok {
		t.Fatal("AppendLog must not write a gate record")
	}
	counts, err := s.CountByStatus(ctx, model.CampaignMailing, 7)
	if err != nil || counts[model.StatusSuccess] != 1 || counts[model.StatusError] != 2 {
		t.Fatalf("counts = %v, %v", counts, err)
	}
	gone := entry(3, model.StatusError)
	gone.Error, gone.Deactivated = "blocked", true
	if err := s.RecordAttempt(ctx, Attempt{Gate: true, Log: gone}); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Summary(ctx, model.CampaignMailing, 7)
	if err != nil || sum != (model.DeliverySummary{Success: 1, Failed: 2, Deactivated: 1}) {
		t.Fatalf("summary = %+v, %v", sum, err)
	}
	if sum, _ := s.Summary(ctx, model.CampaignScenario, 7); sum != (model.DeliverySummary{}) {
		t.Fatalf("empty summary = %+v", sum)
	}
	st, _ := s.Stats(ctx, time.Now())
	if st.Pending != 1 || st.Due != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestJobQueueLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()
	mk := func(id string, at time.Time) model.Job {
		j, err := model.NewJob(id, model.JobMailingUnit, model.MailingUnit{MailingID: 1, RecipientID: 1}, at)
		if err != nil {
			t.Fatal(err)
		}
		return j
	}
	if err := s.Enqueue(ctx, mk("b", now.Add(-time.Second)), mk("a", now.Add(-time.Minute)), mk("later", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	leased, err := s.Lease(ctx, now, 10, time.Minute)
	if err != nil || len(leased) != 2 || leased[0].ID != "a" || leased[1].ID != "b" {
		t.Fatalf("Lease = %+v, %v", leased, err)
	}
	if leased[0].State != model.JobRunning || leased[0].Attempts != 1 {
		t.Fatalf("leased job = %+v", leased[0])
	}
	if again, _ := s.Lease(ctx, now, 10, time.Minute); len(again) != 0 {
		t.Fatalf("double lease: %+v", again)
	}

	if err := s.Complete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Requeue(ctx, "b", now); err != nil {
		t.Fatal(err)
	}
	re, _ := s.Lease(ctx, now, 10, -time.Second)
	if len(re) != 1 || re[0].ID != "b" || re[0].Attempts != 1 {
		t.Fatalf("after requeue = %+v", re)
	}
	// lease already expired
	if n, err := s.RecoverExpired(ctx, now); err != nil || n != 1 {
		t.Fatalf("RecoverExpired = %d, %v", n, err)
	}
	re, _ = s.Lease(ctx, now, 10, time.Minute)
	if err := s.Fail(ctx, re[0].ID, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	failed, _ := s.Jobs(ctx, model.JobFailed, 10)
	if len(failed) != 1 || failed[0].LastError != "boom" {
		t.Fatalf("failed jobs = %+v", failed)
	}

	st, _ := s.Stats(ctx, now)
	if st != (QueueStats{Pending: 1, Done: 1, Failed: 1}) {
		t.Fatalf("stats = %+v", st)
	}
	if n, _ := s.Purge(ctx, time.Now().Add(time.Minute)); n != 2 {
		t.Fatalf("Purge = %d, want 2", n)
	}
}

func TestMigrateAddsColumnsToOlderSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE delivery_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT, campaign_kind TEXT NOT NULL, campaign_id INTEGER NOT NULL,
		unit_kind TEXT NOT NULL, unit_id INTEGER NOT NULL, recipient_id INTEGER NOT NULL,
		at INTEGER NOT NULL, status TEXT NOT NULL, error TEXT NOT NULL DEFAULT '')`)
	_ = db.Close()
	if err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	for _, c := range addedColumns {
		if ok, err := s.hasColumn(ctx, c.table, c.column); err != nil || !ok {
			t.Fatalf("%s.%s present = %v, %v", c.table, c.column, ok, err)
		}
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTest(t)
	now := time.Now()
	a := addRecipient(t, s, 1, now)
	b := addRecipient(t, s, 2, now)
	gone := addRecipient(t, s, 3, now)
	if err := s.Deactivate(ctx, gone.ID); err != nil {
		t.Fatal(err)
	}

	seq := 0
	unit := func(mailingID, recipientID int64) (model.Job, error) {
		seq++
		return model.NewJob(fmt.Sprintf("bc-%d", seq), model.JobMailingUnit, model.MailingUnit{MailingID: mailingID, RecipientID: recipientID}, now)
	}
	bc := &model.Broadcast{ChatID: 900, Kind: model.MediaVoice, FileID: "voice-1"}
	n, err := s.CreateBroadcast(ctx, bc, unit)
	if err != nil || n != 2 || bc.MailingID == 0 {
		t.Fatalf("CreateBroadcast = %d, %v (mailing %d)", n, err, bc.MailingID)
	}

	m, err := s.Mailing(ctx, bc.MailingID)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Processed || len(m.Content.Media) != 1 || m.Content.Media[0].FileID != "voice-1" || m.Content.Media[0].Kind != model.MediaVoice {
		t.Fatalf("mailing = %+v", m)
	}
	if due, _ := s.InstantMailings(ctx); len(due) != 0 {
		t.Fatalf("broadcast visible to the mailing dispatcher: %+v", due)
	}

	if settled, _ := s.SettledBroadcasts(ctx); len(settled) != 0 {
		t.Fatalf("settled with units pending: %+v", settled)
	}
	jobs, err := s.Lease(ctx, now.Add(time.Second), 10, time.Minute)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("Lease = %d, %v", len(jobs), err)
	}
	var u model.MailingUnit
	if err := jobs[0].Decode(&u); err != nil || (u.RecipientID != a.ID && u.RecipientID != b.ID) {
		t.Fatalf("unit = %+v, %v", u, err)
	}
	if err := s.Complete(ctx, jobs[0].ID); err != nil {
		t.Fatal(err)
	}
	if settled, _ := s.SettledBroadcasts(ctx); len(settled) != 0 {
		t.Fatalf("settled with a unit running: %+v", settled)
	}
	if err := s.Fail(ctx, jobs[1].ID, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	settled, err := s.SettledBroadcasts(ctx)
	if err != nil || len(settled) != 1 || settled[0].MailingID != bc.MailingID || settled[0].ChatID != 900 || settled[0].Kind != model.MediaVoice {
		t.Fatalf("SettledBroadcasts = %+v, %v", settled, err)
	}
	if err := s.MarkBroadcastReported(ctx, bc.MailingID, now); err != nil {
		t.Fatal(err)
	}
	if settled, _ := s.SettledBroadcasts(ctx); len(settled) != 0 {
		t.Fatalf("reported broadcast listed again: %+v", settled)
	}
	if err := s.MarkBroadcastReported(ctx, 999, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkBroadcastReported(unknown) = %v", err)
	}
}
