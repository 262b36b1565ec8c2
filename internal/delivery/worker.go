package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	"campaignbot/internal/task/engine"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// recordTimeout bounds the bookkeeping after a send. It runs detached from the
// unit context so an expired send still leaves its log entry behind.
const recordTimeout = 10 * time.Second

// Store is the storage surface a delivery unit touches.
type Store interface {
	Mailing(ctx context.Context, id int64) (model.Mailing, error)
	Scenario(ctx context.Context, id int64) (model.Scenario, error)
	Recipient(ctx context.Context, id int64) (model.Recipient, error)
	GateExists(ctx context.Context, recipientID int64, kind model.UnitKind, unitID int64) (bool, error)
	RecordAttempt(ctx context.Context, a storage.Attempt) error
	Deactivate(ctx context.Context, recipientID int64) error
}

// ContentSender is implemented by MessageSender.
type ContentSender interface {
	Send(ctx context.Context, r model.Recipient, c model.Content) error
}

// Outcome is published on the bus after every delivery unit.
type Outcome struct {
	JobID        string
	CampaignKind model.CampaignKind
	CampaignID   int64
	UnitKind     model.UnitKind
	UnitID       int64
	RecipientID  int64
	Shape        Shape
	Status       model.Status
	Action       Action
	ErrorKind    transport.ErrorKind
	// Skipped is set when the unit ended without a send attempt.
	Skipped  string
	Duration time.Duration
}

// ErrDeliveryFailed marks a unit whose send attempt failed and was logged.
var ErrDeliveryFailed = errors.New("delivery failed")

// Worker executes mailing and scenario-step units.
type Worker struct {
	store  Store
	sender ContentSender
	log    logx.Logger
	bus    eventbus.Bus

	now   func() time.Time
	newID func() string
}

func NewWorker(store Store, sender ContentSender, log logx.Logger, bus eventbus.Bus) *Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		store:  store,
		sender: sender,
		log:    log,
		bus:    bus,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

type unit struct {
	jobID       string
	campaign    model.CampaignKind
	campaignID  int64
	kind        model.UnitKind
	unitID      int64
	recipientID int64
	content     model.Content
	// next builds the follow-up job after a successful send; nil ends the chain.
	next func(now time.Time) (*model.Job, error)
}

// Handle runs one job. Errors returned are always marked NoRetry: a unit is
// never sent twice by the engine.
func (w *Worker) Handle(ctx context.Context, job model.Job) error {
	var err error
	switch job.Kind {
	case model.JobMailingUnit:
		err = w.mailingUnit(ctx, job)
	case model.JobStepUnit:
		err = w.stepUnit(ctx, job)
	default:
		err = fmt.Errorf("job %s: unknown kind %q", job.ID, job.Kind)
	}
	return engine.NoRetry(err)
}

func (w *Worker) mailingUnit(ctx context.Context, job model.Job) error {
	var p model.MailingUnit
	if err := job.Decode(&p); err != nil {
		return w.loadFailed(job, err)
	}
	m, err := w.store.Mailing(ctx, p.MailingID)
	if err != nil {
		return w.loadFailed(job, fmt.Errorf("load mailing %d: %w", p.MailingID, err))
	}
	return w.deliver(ctx, unit{
		jobID:       job.ID,
		campaign:    model.CampaignMailing,
		campaignID:  m.ID,
		kind:        model.UnitMailing,
		unitID:      m.ID,
		recipientID: p.RecipientID,
		content:     m.Content,
	})
}

func (w *Worker) stepUnit(ctx context.Context, job model.Job) error {
	var p model.StepUnit
	if err := job.Decode(&p); err != nil {
		return w.loadFailed(job, err)
	}
	sc, err := w.store.Scenario(ctx, p.ScenarioID)
	if err != nil {
		return w.loadFailed(job, fmt.Errorf("load scenario %d: %w", p.ScenarioID, err))
	}
	step, ok := sc.Step(p.StepID)
	if !ok {
		return w.loadFailed(job, fmt.Errorf("scenario %d has no step %d: %w", sc.ID, p.StepID, storage.ErrNotFound))
	}
	if !sc.Active {
		w.log.Info("scenario inactive, chain stopped",
			logx.Int64("campaign", sc.ID), logx.Int64("unit", step.ID), logx.Int64("recipient", p.RecipientID))
		w.publish(Outcome{JobID: job.ID, CampaignKind: model.CampaignScenario, CampaignID: sc.ID,
			UnitKind: model.UnitStep, UnitID: step.ID, RecipientID: p.RecipientID, Skipped: "scenario_inactive"})
		return nil
	}

	return w.deliver(ctx, unit{
		jobID:       job.ID,
		campaign:    model.CampaignScenario,
		campaignID:  sc.ID,
		kind:        model.UnitStep,
		unitID:      step.ID,
		recipientID: p.RecipientID,
		content:     step.Content,
		next: func(now time.Time) (*model.Job, error) {
			nxt, ok := sc.Next(step.ID)
			if !ok {
				return nil, nil
			}
			runAt := now.Add(time.Duration(nxt.DelaySeconds) * time.Second)
			j, err := model.NewJob(w.newID(), model.JobStepUnit,
				model.StepUnit{ScenarioID: sc.ID, StepID: nxt.ID, RecipientID: p.RecipientID}, runAt)
			if err != nil {
				return nil, err
			}
			return &j, nil
		},
	})
}

// loadFailed reports a data error found before any send. Nothing is recorded,
// so the recipient is not marked as delivered.
func (w *Worker) loadFailed(job model.Job, err error) error {
	w.log.Error("delivery unit not runnable", logx.String("job", job.ID), logx.String("kind", string(job.Kind)), logx.Err(err))
	return err
}

func (w *Worker) deliver(ctx context.Context, u unit) error {
	start := w.now()
	log := w.log.With(
		logx.String("campaign_kind", string(u.campaign)),
		logx.Int64("campaign", u.campaignID),
		logx.String("unit_kind", string(u.kind)),
		logx.Int64("unit", u.unitID),
		logx.Int64("recipient", u.recipientID),
	)
	out := Outcome{
		JobID: u.jobID, CampaignKind: u.campaign, CampaignID: u.campaignID,
		UnitKind: u.kind, UnitID: u.unitID, RecipientID: u.recipientID, Shape: ShapeOf(u.content),
	}

	done, err := w.store.GateExists(ctx, u.recipientID, u.kind, u.unitID)
	if err != nil {
		log.Error("gate check failed", logx.Err(err))
		return err
	}
	if done {
		log.Debug("already delivered, unit skipped")
		out.Skipped = "already_delivered"
		w.publish(out)
		return nil
	}

	r, err := w.store.Recipient(ctx, u.recipientID)
	if err != nil {
		log.Error("load recipient failed", logx.Err(err))
		return fmt.Errorf("load recipient %d: %w", u.recipientID, err)
	}
	if !r.Active {
		log.Info("recipient inactive, unit skipped")
		out.Skipped = "recipient_inactive"
		w.publish(out)
		return nil
	}

	sendErr := w.sender.Send(ctx, r, u.content)
	v := Classify(sendErr)
	out.Status, out.Action, out.ErrorKind = v.Status, v.Action, v.Kind

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if v.Action == ActionDeactivate {
		if err := w.store.Deactivate(bctx, r.ID); err != nil {
			log.Error("deactivate recipient failed", logx.Err(err))
		}
	}

	now := w.now()
	attempt := storage.Attempt{
		Gate: true,
		Log: model.DeliveryLogEntry{
			CampaignKind: u.campaign,
			CampaignID:   u.campaignID,
			UnitKind:     u.kind,
			UnitID:       u.unitID,
			RecipientID:  r.ID,
			At:           now,
			Status:       v.Status,
			Error:        v.Reason,
			Deactivated:  v.Action == ActionDeactivate,
		},
	}
	if v.Status == model.StatusSuccess && u.next != nil {
		next, err := u.next(now)
		if err != nil {
			log.Error("build next step failed", logx.Err(err))
		}
		attempt.Next = next
	}
	if err := w.store.RecordAttempt(bctx, attempt); err != nil {
		log.Error("record delivery failed", logx.String("status", string(v.Status)), logx.Err(err))
		return err
	}

	out.Duration = w.now().Sub(start)
	switch v.Action {
	case ActionLogSuccess:
		fields := []logx.Field{logx.String("shape", string(out.Shape)), logx.Duration("dur", out.Duration)}
		if attempt.Next != nil {
			fields = append(fields, logx.Time("next_at", attempt.Next.RunAt))
		}
		log.Info("delivered", fields...)
	case ActionDeactivate:
		log.Info("recipient unreachable, deactivated", logx.String("reason", string(v.Kind)))
	default:
		log.Error("delivery failed", logx.String("kind", string(v.Kind)), logx.Err(sendErr))
	}
	w.publish(out)

	if v.Action == ActionLogError {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}
	return nil
}

func (w *Worker) publish(o Outcome) {
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryOutcome, Time: w.now(), Data: o})
	}
}
