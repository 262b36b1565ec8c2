// Package broadcast lets an operator send one voice message or video note to
// every active recipient and reports the delivered count back once the
// queue has settled.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"campaignbot/internal/dispatch"
	"campaignbot/internal/eventbus"
	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

// DraftTTL is how long an unconfirmed draft is kept.
const DraftTTL = 15 * time.Minute

type Store interface {
	CreateBroadcast(ctx context.Context, b *model.Broadcast, unit storage.UnitBuilder) (int, error)
	SettledBroadcasts(ctx context.Context) ([]model.Broadcast, error)
	Summary(ctx context.Context, kind model.CampaignKind, campaignID int64) (model.DeliverySummary, error)
	MarkBroadcastReported(ctx context.Context, mailingID int64, at time.Time) error
	CountRecipients(ctx context.Context) (active, total int, err error)
}

type Replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type stage int

const (
	awaitingMedia stage = iota + 1
	awaitingConfirm
)

type draft struct {
	stage  stage
	kind   model.MediaKind
	fileID string
	at     time.Time
}

// Service keeps one draft per operator chat. It is safe for concurrent use.
type Service struct {
	store Store
	reply Replier
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	drafts map[int64]draft
}

func New(store Store, reply Replier, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		reply:  reply,
		log:    log,
		bus:    bus,
		now:    time.Now,
		newID:  uuid.NewString,
		drafts: map[int64]draft{},
	}
}

// Begin starts a draft in chatID, replacing any earlier one.
func (s *Service) Begin(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	s.drafts[chatID] = draft{stage: awaitingMedia, at: s.now()}
	s.mu.Unlock()
	return s.say(ctx, chatID, "Send the voice message or video note to broadcast. /cancel to abort.")
}

// Attach stores the media of a draft waiting for it. It reports false, and
// says nothing, when chatID has no such draft.
func (s *Service) Attach(ctx context.Context, chatID int64, kind model.MediaKind, fileID string) (bool, error) {
	if !kind.Solo() || fileID == "" {
		return false, fmt.Errorf("broadcast media must be a voice message or a video note, got %q", kind)
	}
	s.mu.Lock()
	d, ok := s.draftLocked(chatID)
	if !ok || d.stage != awaitingMedia {
		s.mu.Unlock()
		return false, nil
	}
	s.drafts[chatID] = draft{stage: awaitingConfirm, kind: kind, fileID: fileID, at: s.now()}
	s.mu.Unlock()

	active, _, err := s.store.CountRecipients(ctx)
	if err != nil {
		return true, err
	}
	return true, s.say(ctx, chatID, fmt.Sprintf("Send this %s to %d active recipients? /confirm or /cancel", label(kind), active))
}

// Confirm stores the draft as a broadcast and enqueues its units.
func (s *Service) Confirm(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	d, ok := s.draftLocked(chatID)
	if ok && d.stage == awaitingConfirm {
		delete(s.drafts, chatID)
	}
	s.mu.Unlock()
	if !ok || d.stage != awaitingConfirm {
		return s.say(ctx, chatID, "Nothing to confirm. Start with /broadcast.")
	}

	b := &model.Broadcast{ChatID: chatID, Kind: d.kind, FileID: d.fileID, CreatedAt: s.now()}
	units, err := s.store.CreateBroadcast(ctx, b, s.unit)
	if err != nil {
		s.log.Error("broadcast not started", logx.Int64("chat", chatID), logx.Err(err))
		return errors.Join(err, s.say(ctx, chatID, "Broadcast failed to start, see the logs."))
	}
	s.log.Info("broadcast started",
		logx.Int64("campaign", b.MailingID), logx.String("kind", string(b.Kind)), logx.Int("recipients", units))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeUnitsEnqueued, Time: s.now(),
			Data: dispatch.UnitsEnqueued{CampaignKind: model.CampaignMailing, CampaignID: b.MailingID, Units: units}})
	}
	return s.say(ctx, chatID, fmt.Sprintf("Broadcast #%d started for %d recipients.", b.MailingID, units))
}

// Cancel drops the draft of chatID.
func (s *Service) Cancel(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	_, ok := s.draftLocked(chatID)
	delete(s.drafts, chatID)
	s.mu.Unlock()
	if !ok {
		return s.say(ctx, chatID, "Nothing to cancel.")
	}
	return s.say(ctx, chatID, "Broadcast cancelled.")
}

func (s *Service) draftLocked(chatID int64) (draft, bool) {
	d, ok := s.drafts[chatID]
	if ok && s.now().Sub(d.at) > DraftTTL {
		delete(s.drafts, chatID)
		return draft{}, false
	}
	return d, ok
}

func (s *Service) unit(mailingID, recipientID int64) (model.Job, error) {
	return model.NewJob(s.newID(), model.JobMailingUnit, model.MailingUnit{MailingID: mailingID, RecipientID: recipientID}, s.now())
}

// Report sends the delivered count of every settled broadcast to the chat
// that started it. A broadcast whose chat cannot be reached is marked as
// reported too; other send failures are retried on the next call.
func (s *Service) Report(ctx context.Context) (int, error) {
	settled, err := s.store.SettledBroadcasts(ctx)
	if err != nil {
		return 0, err
	}
	reported := 0
	var errs []error
	for _, b := range settled {
		sum, err := s.store.Summary(ctx, model.CampaignMailing, b.MailingID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		l := label(b.Kind)
		text := fmt.Sprintf("✅ %s delivered to %d recipients", strings.ToUpper(l[:1])+l[1:], sum.Success)
		if sum.Failed > 0 || sum.Deactivated > 0 {
			text += fmt.Sprintf(" (%d failed, %d unreachable)", sum.Failed, sum.Deactivated)
		}
		if err := s.say(ctx, b.ChatID, text); err != nil {
			if te, ok := transport.AsError(err); !ok || !te.RecipientGone() {
				errs = append(errs, fmt.Errorf("report broadcast %d: %w", b.MailingID, err))
				continue
			}
			s.log.Warn("broadcast owner unreachable", logx.Int64("campaign", b.MailingID), logx.Err(err))
		}
		if err := s.store.MarkBroadcastReported(ctx, b.MailingID, s.now()); err != nil {
			errs = append(errs, err)
			continue
		}
		reported++
		s.log.Info("broadcast finished",
			logx.Int64("campaign", b.MailingID), logx.Int("success", sum.Success),
			logx.Int("failed", sum.Failed), logx.Int("deactivated", sum.Deactivated))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastReported, Time: s.now(), Data: sum})
		}
	}
	return reported, errors.Join(errs...)
}

func (s *Service) say(ctx context.Context, chatID int64, text string) error {
	_, err := s.reply.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

func label(k model.MediaKind) string {
	if k == model.MediaVideoNote {
		return "video note"
	}
	return "voice message"
}
