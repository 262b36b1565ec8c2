package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"campaignbot/internal/broadcast"
	"campaignbot/internal/membership"
	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	"campaignbot/internal/task/scheduler"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type statsSource interface {
	Stats(ctx context.Context, now time.Time) (storage.QueueStats, error)
	CountRecipients(ctx context.Context) (active, total int, err error)
}

// commandRouter routes inbound updates. /start is open to everyone; /stats
// and the broadcast flow answer owners only and are ignored for anyone else.
type commandRouter struct {
	registrar *membership.Registrar
	stats     statsSource
	reply     membership.Replier
	log       logx.Logger
	// runtime adds engine and schedule lines to /stats when set.
	runtime func() scheduler.Snapshot
	// broadcasts runs /broadcast, /confirm and /cancel when set.
	broadcasts *broadcast.Service

	mu     sync.RWMutex
	owners []int64
}

func newCommandRouter(reg *membership.Registrar, stats statsSource, reply membership.Replier, owners []int64, log logx.Logger) *commandRouter {
	r := &commandRouter{registrar: reg, stats: stats, reply: reply, log: log}
	r.SetOwners(owners)
	return r
}

// SetOwners updates the owner list used for operator commands.
func (r *commandRouter) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *commandRouter) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

func (r *commandRouter) Run(ctx context.Context, in <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-in:
			if !ok {
				return
			}
			if err := r.handle(ctx, u); err != nil {
				r.log.Warn("update handling failed", logx.String("kind", string(u.Kind)), logx.Err(err))
			}
		}
	}
}

func (r *commandRouter) handle(ctx context.Context, u transport.Update) error {
	switch u.Kind {
	case transport.UpdateStart:
		// The registrar logs its own failures.
		_ = r.registrar.Handle(ctx, u)
		return nil
	case transport.UpdateStats:
		if !r.isOwner(u.FromID) {
			r.log.Debug("stats denied", logx.Int64("from", u.FromID))
			return nil
		}
		return r.replyStats(ctx, u.ChatID)
	case transport.UpdateBroadcast, transport.UpdateConfirm, transport.UpdateCancel,
		transport.UpdateVoice, transport.UpdateVideoNote:
		if r.broadcasts == nil || !r.isOwner(u.FromID) {
			return nil
		}
		return r.broadcast(ctx, u)
	default:
		return nil
	}
}

func (r *commandRouter) broadcast(ctx context.Context, u transport.Update) error {
	switch u.Kind {
	case transport.UpdateBroadcast:
		return r.broadcasts.Begin(ctx, u.ChatID)
	case transport.UpdateConfirm:
		return r.broadcasts.Confirm(ctx, u.ChatID)
	case transport.UpdateCancel:
		return r.broadcasts.Cancel(ctx, u.ChatID)
	}
	kind := model.MediaVoice
	if u.Kind == transport.UpdateVideoNote {
		kind = model.MediaVideoNote
	}
	_, err := r.broadcasts.Attach(ctx, u.ChatID, kind, u.FileID)
	return err
}

func (r *commandRouter) replyStats(ctx context.Context, chatID int64) error {
	q, err := r.stats.Stats(ctx, time.Now())
	if err != nil {
		return err
	}
	active, total, err := r.stats.CountRecipients(ctx)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("recipients: %d active / %d total\nqueue: pending=%d due=%d running=%d done=%d failed=%d",
		active, total, q.Pending, q.Due, q.Running, q.Done, q.Failed)
	if r.runtime != nil {
		snap := r.runtime()
		e := snap.Engine
		text += fmt.Sprintf("\nengine: workers=%d queue=%d/%d in_flight=%d dropped=%d",
			e.Workers, e.QueueLen, e.QueueCap, e.InFlight, e.Dropped)
		for _, en := range snap.Entries {
			next := "-"
			if !en.Next.IsZero() {
				next = en.Next.Format(time.TimeOnly)
			}
			text += fmt.Sprintf("\n%s: next %s", en.Name, next)
		}
	}
	_, err = r.reply.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	return err
}
