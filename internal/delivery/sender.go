package delivery

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"campaignbot/internal/model"
	"campaignbot/internal/transport"
)

// Shape is the form a delivery takes on the wire.
type Shape string

const (
	ShapeText  Shape = "text"
	ShapeMedia Shape = "media"
	ShapeGroup Shape = "group"
)

// ShapeOf picks the shape from the number of media items.
func ShapeOf(c model.Content) Shape {
	switch len(c.Media) {
	case 0:
		return ShapeText
	case 1:
		return ShapeMedia
	default:
		return ShapeGroup
	}
}

type SenderOptions struct {
	ParseMode string
	// RatePerSec bounds transport calls across all workers. 0 means unlimited.
	RatePerSec int
	Detect     KindDetector
}

// MessageSender turns campaign content into transport calls.
type MessageSender struct {
	tr        transport.Sender
	limiter   *rate.Limiter
	parseMode string
	detect    KindDetector
}

func NewMessageSender(tr transport.Sender, opt SenderOptions) *MessageSender {
	if opt.Detect == nil {
		opt.Detect = DetectKind
	}
	s := &MessageSender{
		tr:        tr,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		parseMode: opt.ParseMode,
		detect:    opt.Detect,
	}
	s.SetRate(opt.RatePerSec)
	return s
}

// SetRate changes the send rate at runtime.
func (s *MessageSender) SetRate(perSec int) {
	if perSec <= 0 {
		s.limiter.SetLimit(rate.Inf)
		return
	}
	s.limiter.SetLimit(rate.Limit(perSec))
	s.limiter.SetBurst(perSec)
}

// Send delivers c to r. Any error is either a *transport.Error or an
// unclassified failure (timeout, unreadable media).
func (s *MessageSender) Send(ctx context.Context, r model.Recipient, c model.Content) error {
	to := transport.ChatTarget{ChatID: r.ChatID}
	var button *transport.Button
	if c.HasButton() {
		button = &transport.Button{Text: c.ButtonText, URL: c.ButtonURL}
	}

	switch ShapeOf(c) {
	case ShapeText:
		return s.text(ctx, to, c.Text, button)

	case ShapeMedia:
		m, err := s.media(c.Media[0], c.Text)
		if err != nil {
			return err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err = s.tr.SendMedia(ctx, to, m, &transport.SendOptions{ParseMode: s.parseMode, Button: button})
		return err

	default:
		items := make([]transport.Media, 0, len(c.Media))
		for i, it := range c.Media {
			caption := ""
			if i == 0 {
				caption = c.Text
			}
			m, err := s.media(it, caption)
			if err != nil {
				return err
			}
			items = append(items, m)
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.tr.SendMediaGroup(ctx, to, items, &transport.SendOptions{ParseMode: s.parseMode}); err != nil {
			return err
		}
		if button == nil {
			return nil
		}
		// Groups cannot carry a keyboard; the button rides on its own message.
		return s.text(ctx, to, button.Text, button)
	}
}

func (s *MessageSender) text(ctx context.Context, to transport.ChatTarget, text string, button *transport.Button) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.tr.SendText(ctx, to, text, &transport.SendOptions{ParseMode: s.parseMode, Button: button})
	return err
}

// media resolves the transport kind. Files already held by the platform and
// solo kinds are sent as stored; anything else on disk is sniffed.
func (s *MessageSender) media(it model.MediaItem, caption string) (transport.Media, error) {
	if it.Kind == model.MediaVideoNote {
		caption = ""
	}
	if it.FileID != "" || it.Kind.Solo() {
		return transport.Media{Kind: transport.MediaKind(it.Kind), Path: it.Path, FileID: it.FileID, Caption: caption}, nil
	}
	kind, err := s.detect(it)
	if err != nil {
		return transport.Media{}, fmt.Errorf("prepare media: %w", err)
	}
	return transport.Media{Kind: kind, Path: it.Path, Caption: caption}, nil
}
