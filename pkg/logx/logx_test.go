package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"campaignbot/internal/transport"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	to    []transport.ChatTarget
}

func (r *recordingSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.to = append(r.to, to)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("dropped", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop() should not be zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"send failed","recipient":42,"comp":"delivery"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] send failed\n- comp=delivery\n- recipient=42"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}

	if got := formatChatLine([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
}

func TestChatSinkForwardsAboveMinLevel(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: -100, MinLevel: "warn", RatePerSec: 100},
	}, rs)
	defer svc.Close()

	log.Info("not forwarded")
	log.Error("forwarded", String("mailing", "7"))

	deadline := time.Now().Add(2 * time.Second)
	for rs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rs.count() != 1 {
		t.Fatalf("forwarded %d lines, want 1", rs.count())
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if !strings.HasPrefix(rs.texts[0], "[ERROR] forwarded") {
		t.Fatalf("unexpected text %q", rs.texts[0])
	}
	if rs.to[0].ChatID != -100 {
		t.Fatalf("chat id = %d", rs.to[0].ChatID)
	}
}
