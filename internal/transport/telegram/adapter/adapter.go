package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "campaignbot/internal/runtime/supervisor"
	kit "campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Adapter is the telebot-backed kit.Adapter.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
		// Long polls and uploads share this client; it must outlive both.
		Client: &http.Client{Timeout: cfg.PollTimeout + cfg.SendTimeout},
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	b.Handle("/start", a.onCommand(kit.UpdateStart))
	b.Handle("/stats", a.onCommand(kit.UpdateStats))
	b.Handle("/broadcast", a.onCommand(kit.UpdateBroadcast))
	b.Handle("/confirm", a.onCommand(kit.UpdateConfirm))
	b.Handle("/cancel", a.onCommand(kit.UpdateCancel))
	b.Handle(tele.OnVoice, a.onFile(kit.UpdateVoice, func(m *tele.Message) *tele.File {
		if m.Voice == nil {
			return nil
		}
		return &m.Voice.File
	}))
	b.Handle(tele.OnVideoNote, a.onFile(kit.UpdateVideoNote, func(m *tele.Message) *tele.File {
		if m.VideoNote == nil {
			return nil
		}
		return &m.VideoNote.File
	}))
	return a, nil
}

func (a *Adapter) onCommand(kind kit.UpdateKind) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat, sender := c.Chat(), c.Sender()
		if chat == nil || sender == nil {
			return nil
		}
		name := sender.FirstName
		if name == "" {
			name = sender.Username
		}
		a.emit(kit.Update{Kind: kind, ChatID: chat.ID, FromID: sender.ID, Username: name, Text: c.Text()})
		return nil
	}
}

func (a *Adapter) onFile(kind kit.UpdateKind, file func(*tele.Message) *tele.File) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat, sender, msg := c.Chat(), c.Sender(), c.Message()
		if chat == nil || sender == nil || msg == nil {
			return nil
		}
		f := file(msg)
		if f == nil || f.FileID == "" {
			return nil
		}
		a.emit(kit.Update{Kind: kind, ChatID: chat.ID, FromID: sender.ID, Username: sender.Username, FileID: f.FileID})
		return nil
	}
}

func (a *Adapter) emit(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling; updates are delivered to out without blocking.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped, consumer too slow", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup, wasRunning := a.sup, a.running
	a.sup, a.running = nil, false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}

	sup.Cancel()
	// getUpdates may be mid long-poll; do not hold shutdown for it.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop", logx.Err(err))
	}
	return nil
}
