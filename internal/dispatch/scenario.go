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

type ScenarioStore interface {
	ActiveScenarios(ctx context.Context) ([]model.Scenario, error)
	EligibleRecipients(ctx context.Context, scenarioID int64, cutoff time.Time) ([]model.Recipient, error)
	EnrollAndEnqueue(ctx context.Context, recipientID, scenarioID int64, first model.Job) (bool, error)
}

type ScenarioReport struct {
	Scenarios int
	Skipped   int
	Enrolled  int
}

// Scenarios enrolls recipients whose registration age passed a scenario's
// trigger delay. Only the first step is enqueued; each step unit schedules
// the next one after it ran.
type Scenarios struct {
	store ScenarioStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string
}

func NewScenarios(store ScenarioStore, log logx.Logger, bus eventbus.Bus) *Scenarios {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scenarios{store: store, log: log, bus: bus, now: time.Now, newID: uuid.NewString}
}

func (d *Scenarios) Run(ctx context.Context) (ScenarioReport, error) {
	var rep ScenarioReport
	scenarios, err := d.store.ActiveScenarios(ctx)
	if err != nil {
		return rep, fmt.Errorf("active scenarios: %w", err)
	}
	rep.Scenarios = len(scenarios)

	var errs []error
	for _, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := d.enroll(ctx, sc, &rep)
		rep.Enrolled += n
		if err != nil {
			d.log.Error("scenario dispatch failed", logx.Int64("campaign", sc.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("scenario %d: %w", sc.ID, err))
		}
	}
	if rep.Enrolled > 0 || rep.Skipped > 0 {
		d.log.Info("scenario dispatch done",
			logx.Int("scenarios", rep.Scenarios), logx.Int("skipped", rep.Skipped), logx.Int("enrolled", rep.Enrolled))
	}
	return rep, errors.Join(errs...)
}

func (d *Scenarios) enroll(ctx context.Context, sc model.Scenario, rep *ScenarioReport) (int, error) {
	log := d.log.With(logx.Int64("campaign", sc.ID), logx.String("title", sc.Title))
	if len(sc.Steps) == 0 {
		return 0, nil
	}
	if err := validateSteps(sc); err != nil {
		rep.Skipped++
		log.Error("scenario content invalid, skipped", logx.Err(err))
		return 0, nil
	}

	now := d.now()
	cutoff := now.Add(-time.Duration(sc.TriggerDelayHours) * time.Hour)
	recipients, err := d.store.EligibleRecipients(ctx, sc.ID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eligible recipients: %w", err)
	}

	first := sc.Steps[0]
	enrolled := 0
	var errs []error
	for _, r := range recipients {
		job, err := model.NewJob(d.newID(), model.JobStepUnit,
			model.StepUnit{ScenarioID: sc.ID, StepID: first.ID, RecipientID: r.ID}, now)
		if err != nil {
			return enrolled, err
		}
		ok, err := d.store.EnrollAndEnqueue(ctx, r.ID, sc.ID, job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			enrolled++
		}
	}
	if enrolled > 0 {
		log.Info("recipients enrolled", logx.Int("recipients", enrolled), logx.Time("cutoff", cutoff))
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitsEnqueued, Time: now,
				Data: UnitsEnqueued{CampaignKind: model.CampaignScenario, CampaignID: sc.ID, Units: enrolled}})
		}
	}
	return enrolled, errors.Join(errs...)
}

func validateSteps(sc model.Scenario) error {
	var errs []error
	for _, st := range sc.Steps {
		if err := st.Content.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", st.Seq, err))
		}
		if st.DelaySeconds < 0 {
			errs = append(errs, fmt.Errorf("step %d: negative delay %d", st.Seq, st.DelaySeconds))
		}
	}
	return errors.Join(errs...)
}
