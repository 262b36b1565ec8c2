// Package membership registers recipients from inbound /start commands.
package membership

import (
	"context"
	"strings"
	"sync"
	"time"

	"campaignbot/internal/model"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

const DefaultWelcome = "You are subscribed. Send /start again any time to resubscribe."

type Store interface {
	UpsertRecipient(ctx context.Context, chatID int64, username string, at time.Time) (model.Recipient, bool, error)
}

// Replier sends the welcome message.
type Replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Registrar upserts a recipient per /start and answers with a welcome text.
// A recipient that blocked the bot earlier becomes active again.
type Registrar struct {
	store Store
	reply Replier
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	welcome string
	parse   string
}

func NewRegistrar(store Store, reply Replier, log logx.Logger) *Registrar {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registrar{store: store, reply: reply, log: log, now: time.Now, welcome: DefaultWelcome}
}

// SetWelcome changes the reply text and parse mode. An empty text keeps the default.
func (r *Registrar) SetWelcome(text, parseMode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(text) == "" {
		text = DefaultWelcome
	}
	r.welcome, r.parse = text, parseMode
}

func (r *Registrar) Handle(ctx context.Context, u transport.Update) error {
	if u.Kind != transport.UpdateStart || u.ChatID == 0 {
		return nil
	}
	rec, created, err := r.store.UpsertRecipient(ctx, u.ChatID, u.Username, r.now())
	if err != nil {
		r.log.Error("register recipient failed", logx.Int64("chat", u.ChatID), logx.Err(err))
		return err
	}
	if created {
		r.log.Info("recipient registered", logx.Int64("recipient", rec.ID), logx.Int64("chat", u.ChatID))
	} else {
		r.log.Debug("recipient resubscribed", logx.Int64("recipient", rec.ID), logx.Int64("chat", u.ChatID))
	}

	r.mu.Lock()
	text, parse := r.welcome, r.parse
	r.mu.Unlock()
	if r.reply == nil {
		return nil
	}
	if _, err := r.reply.SendText(ctx, transport.ChatTarget{ChatID: u.ChatID}, text, &transport.SendOptions{ParseMode: parse}); err != nil {
		r.log.Warn("welcome reply failed", logx.Int64("chat", u.ChatID), logx.Err(err))
	}
	return nil
}
