package app

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"campaignbot/internal/broadcast"
	"campaignbot/internal/membership"
	"campaignbot/internal/storage"
	"campaignbot/internal/task/engine"
	"campaignbot/internal/task/scheduler"
	"campaignbot/internal/transport"
	logx "campaignbot/pkg/logx"
)

type chatLog struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (c *chatLog) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = map[int64][]string{}
	}
	c.sent[to.ChatID] = append(c.sent[to.ChatID], text)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (c *chatLog) texts(chat int64) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[chat]...)
}

func newRouter(t *testing.T, owners ...int64) (*commandRouter, *storage.Store, *chatLog) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	out := &chatLog{}
	reg := membership.NewRegistrar(st, out, logx.Nop())
	return newCommandRouter(reg, st, out, owners, logx.Nop()), st, out
}

func TestRouterStatsIsOwnerOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st, out := newRouter(t, 1)
	if _, _, err := st.UpsertRecipient(ctx, 500, "ann", time.Now()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		from    int64
		replies int
	}{
		{"stranger", 2, 0},
		{"owner", 1, 1},
	}
	for _, tt := range tests {
		if err := r.handle(ctx, transport.Update{Kind: transport.UpdateStats, ChatID: 42, FromID: tt.from}); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := out.texts(42); len(got) != tt.replies {
			t.Fatalf("%s: replies = %v", tt.name, got)
		}
	}
	if got := out.texts(42)[0]; !strings.Contains(got, "recipients: 1 active / 1 total") {
		t.Fatalf("stats reply = %q", got)
	}

	r.SetOwners(nil)
	_ = r.handle(ctx, transport.Update{Kind: transport.UpdateStats, ChatID: 42, FromID: 1})
	if got := out.texts(42); len(got) != 1 {
		t.Fatalf("removed owner still answered: %v", got)
	}
}

func TestRouterRunRegistersStart(t *testing.T) {
	t.Parallel()
	r, st, out := newRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan transport.Update, 1)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, in)
		close(done)
	}()
	in <- transport.Update{Kind: transport.UpdateStart, ChatID: 77, FromID: 77, Username: "bob"}
	close(in)
	<-done

	if got := out.texts(77); len(got) != 1 || got[0] != membership.DefaultWelcome {
		t.Fatalf("welcome = %v", got)
	}
	if active, _, _ := st.CountRecipients(context.Background()); active != 1 {
		t.Fatalf("active recipients = %d", active)
	}
}

func TestRouterStatsIncludesRuntime(t *testing.T) {
	t.Parallel()
	r, _, out := newRouter(t, 1)
	r.runtime = func() scheduler.Snapshot {
		return scheduler.Snapshot{
			Engine:  engine.Snapshot{Workers: 4, QueueCap: 256},
			Entries: []scheduler.EntryInfo{{Name: "delivery.pump"}},
		}
	}
	if err := r.handle(context.Background(), transport.Update{Kind: transport.UpdateStats, ChatID: 1, FromID: 1}); err != nil {
		t.Fatal(err)
	}
	got := out.texts(1)
	if len(got) != 1 || !strings.Contains(got[0], "workers=4 queue=0/256") || !strings.Contains(got[0], "delivery.pump: next -") {
		t.Fatalf("stats reply = %v", got)
	}
}

func TestRouterBroadcastIsOwnerOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, st, out := newRouter(t, 1)
	r.broadcasts = broadcast.New(st, out, logx.Nop(), nil)
	for _, chat := range []int64{500, 501} {
		if _, _, err := st.UpsertRecipient(ctx, chat, "", time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	flow := []transport.Update{
		{Kind: transport.UpdateBroadcast},
		{Kind: transport.UpdateVideoNote, FileID: "note-1"},
		{Kind: transport.UpdateConfirm},
	}
	for _, u := range flow {
		u.ChatID, u.FromID = 9, 2
		if err := r.handle(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	if got := out.texts(9); len(got) != 0 {
		t.Fatalf("stranger got replies: %v", got)
	}

	for _, u := range flow {
		u.ChatID, u.FromID = 1, 1
		if err := r.handle(ctx, u); err != nil {
			t.Fatal(err)
		}
	}
	got := out.texts(1)
	if len(got) != 3 || !strings.Contains(got[1], "video note to 2 active recipients") || !strings.Contains(got[2], "started for 2 recipients") {
		t.Fatalf("owner replies = %v", got)
	}
	if q, _ := st.Stats(ctx, time.Now().Add(time.Second)); q.Pending != 2 {
		t.Fatalf("queue = %+v", q)
	}
}
