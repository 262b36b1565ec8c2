// Package dispatch finds campaigns that are due and turns them into durable
// delivery jobs. It never sends anything itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	logx "campaignbot/pkg/logx"
)

// enqueueChunk bounds the number of jobs written per transaction.
const enqueueChunk = 500

type MailingStore interface {
	InstantMailings(ctx context.Context) ([]model.Mailing, error)
	TimedMailings(ctx context.Context, now time.Time) ([]model.Mailing, error)
	ClaimMailing(ctx context.Context, id int64) (bool, error)
	ActiveRecipients(ctx context.Context) ([]model.Recipient, error)
	Enqueue(ctx context.Context, jobs ...model.Job) error
}

type MailingReport struct {
	Found    int
	Claimed  int
	Invalid  int
	Enqueued int
}

// UnitsEnqueued is published after a campaign fan-out.
type UnitsEnqueued struct {
	CampaignKind model.CampaignKind
	CampaignID   int64
	Units        int
}

// Mailings claims due mailings and fans each out to every active recipient.
type Mailings struct {
	store MailingStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

func NewMailings(store MailingStore, log logx.Logger, bus eventbus.Bus) *Mailings {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mailings{store: store, log: log, bus: bus, now: time.Now, newID: uuid.NewString}
}

// Run performs one dispatch pass. A failing mailing is logged and skipped;
// the returned error joins every per-mailing failure.
func (d *Mailings) Run(ctx context.Context) (MailingReport, error) {
	var rep MailingReport
	now := d.now()

	instant, err := d.store.InstantMailings(ctx)
	if err != nil {
		return rep, fmt.Errorf("instant mailings: %w", err)
	}
	timed, err := d.store.TimedMailings(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("timed mailings: %w", err)
	}
	due := append(instant, timed...)
	rep.Found = len(due)

	var errs []error
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := d.dispatch(ctx, m, &rep)
		if err != nil {
			d.log.Error("mailing dispatch failed", logx.Int64("campaign", m.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("mailing %d: %w", m.ID, err))
			continue
		}
		rep.Enqueued += n
	}
	if rep.Found > 0 {
		d.log.Info("mailing dispatch done",
			logx.Int("found", rep.Found), logx.Int("claimed", rep.Claimed),
			logx.Int("invalid", rep.Invalid), logx.Int("enqueued", rep.Enqueued))
	}
	return rep, errors.Join(errs...)
}

func (d *Mailings) dispatch(ctx context.Context, m model.Mailing, rep *MailingReport) (int, error) {
	log := d.log.With(logx.Int64("campaign", m.ID), logx.String("title", m.Title))

	claimed, err := d.store.ClaimMailing(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		log.Debug("mailing claimed elsewhere")
		return 0, nil
	}
	rep.Claimed++
	d.publish(eventbus.TypeMailingClaimed, m.ID)

	if err := m.Content.Validate(); err != nil {
		rep.Invalid++
		log.Error("mailing content invalid, not sent", logx.Err(err))
		return 0, nil
	}

	recipients, err := d.store.ActiveRecipients(ctx)
	if err != nil {
		return 0, fmt.Errorf("active recipients: %w", err)
	}
	jobs := make([]model.Job, 0, len(recipients))
	for _, r := range recipients {
		j, err := model.NewJob(d.newID(), model.JobMailingUnit, model.MailingUnit{MailingID: m.ID, RecipientID: r.ID}, d.now())
		if err != nil {
			return 0, err
		}
		jobs = append(jobs, j)
	}

	enqueued := 0
	for start := 0; start < len(jobs); start += enqueueChunk {
		chunk := jobs[start:min(start+enqueueChunk, len(jobs))]
		if err := d.store.Enqueue(ctx, chunk...); err != nil {
			return enqueued, fmt.Errorf("enqueue units %d-%d of %d: %w", start, start+len(chunk), len(jobs), err)
		}
		enqueued += len(chunk)
	}
	log.Info("mailing fanned out", logx.Int("recipients", enqueued))
	d.publish(eventbus.TypeUnitsEnqueued, UnitsEnqueued{CampaignKind: model.CampaignMailing, CampaignID: m.ID, Units: enqueued})
	return enqueued, nil
}

func (d *Mailings) publish(typ string, data any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: data})
	}
}
