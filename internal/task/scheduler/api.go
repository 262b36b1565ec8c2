package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"campaignbot/internal/task/engine"

	"github.com/robfig/cron/v3"
	logx "campaignbot/pkg/logx"
)

// Add registers job under name using any form ParseSchedule accepts.
// Ticks skip while the previous one for the same name is queued or running.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	return s.AddOpt(name, schedule, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

func (s *Service) AddOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.upsert(entry{name: strings.TrimSpace(name), spec: spec, timeout: timeout, job: job, opt: opt})
}

func (s *Service) upsert(e entry) error {
	if e.name == "" {
		return errors.New("schedule name required")
	}
	if e.job == nil {
		return errors.New("schedule job required")
	}
	e.state = &engine.RunState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e.name)
	s.entries = append(s.entries, e)
	if s.c == nil {
		return nil
	}
	last := &s.entries[len(s.entries)-1]
	if err := s.registerLocked(last); err != nil {
		return err
	}
	s.log.Debug("schedule registered",
		logx.String("name", e.name),
		logx.String("spec", e.spec),
		logx.Duration("spread", last.spread),
		logx.String("next", s.previewLocked(last, 3)),
	)
	return nil
}

// Remove drops every entry registered under name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	kept := s.entries[:0]
	removed := false
	for _, e := range s.entries {
		if e.name != name {
			kept = append(kept, e)
			continue
		}
		removed = true
		if s.c != nil && e.cronID != 0 {
			s.c.Remove(e.cronID)
		}
	}
	s.entries = kept
	return removed
}

func (s *Service) registerLocked(e *entry) error {
	name, timeout, job, opt, state := e.name, e.timeout, e.job, e.opt, e.state
	fire := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt, State: state})
		s.reportEnqueueError(name, err)
	})

	if every, ok := strings.CutPrefix(e.spec, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil && d > 0 {
			sched, spread := intervalWithSpread(d, time.Now().In(s.loc), name)
			e.cronID, e.spread = s.c.Schedule(sched, fire), spread
			return nil
		}
	}
	id, err := s.c.AddJob(e.spec, fire)
	if err != nil {
		return err
	}
	e.cronID, e.spread = id, 0
	return nil
}

// previewLocked lists the next n fire times, for debug logs only.
func (s *Service) previewLocked(e *entry, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || s.c == nil || e.cronID == 0 {
		return ""
	}
	sched := s.c.Entry(e.cronID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	out := make([]string, 0, n)
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(out, ", ")
}
