package adapter

import (
	"context"
	"fmt"
	"strings"

	kit "campaignbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4096

// call runs fn under SendTimeout. telebot has no context support, so a call
// that outlives ctx is abandoned; the HTTP client timeout ends it eventually.
func (a *Adapter) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return translate(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions, withButton bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = tele.ParseMode(opt.ParseMode)
	so.DisableWebPagePreview = opt.DisablePreview
	if withButton && opt.Button != nil {
		rm := &tele.ReplyMarkup{}
		rm.Inline(rm.Row(rm.URL(opt.Button.Text, opt.Button.URL)))
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split at the platform limit. The button goes on the last part.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitText(text, textLimit, parseMode)
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range chunks {
		so := sendOptions(to, opt, i == len(chunks)-1)
		var msg *tele.Message
		err := a.call(ctx, func() (err error) {
			msg, err = a.bot.Send(chat, chunk, so)
			return err
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func mediaFile(m kit.Media) tele.File {
	if m.FileID != "" {
		return tele.File{FileID: m.FileID}
	}
	return tele.FromDisk(m.Path)
}

func mediaName(m kit.Media) string {
	if m.FileID != "" {
		return m.FileID
	}
	return m.Path
}

// inputMedia builds an album entry. Only photos and videos can be grouped.
func inputMedia(m kit.Media) (tele.Inputtable, error) {
	switch m.Kind {
	case kit.MediaPhoto:
		return &tele.Photo{File: mediaFile(m), Caption: m.Caption}, nil
	case kit.MediaVideo:
		return &tele.Video{File: mediaFile(m), Caption: m.Caption}, nil
	}
	return nil, fmt.Errorf("unsupported media kind %q for %s", m.Kind, mediaName(m))
}

func sendable(m kit.Media) (tele.Sendable, error) {
	switch m.Kind {
	case kit.MediaVoice:
		return &tele.Voice{File: mediaFile(m), Caption: m.Caption}, nil
	case kit.MediaVideoNote:
		return &tele.VideoNote{File: mediaFile(m)}, nil
	}
	in, err := inputMedia(m)
	if err != nil {
		return nil, err
	}
	what, ok := in.(tele.Sendable)
	if !ok {
		return nil, fmt.Errorf("media kind %q cannot be sent alone", m.Kind)
	}
	return what, nil
}

// SendMedia sends one photo, video, voice message or video note; the caption
// and button travel with it.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, m kit.Media, opt *kit.SendOptions) (kit.MessageRef, error) {
	what, err := sendable(m)
	if err != nil {
		return kit.MessageRef{}, err
	}
	so := sendOptions(to, opt, true)
	var msg *tele.Message
	err = a.call(ctx, func() (err error) {
		msg, err = a.bot.Send(&tele.Chat{ID: to.ChatID}, what, so)
		return err
	})
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// SendMediaGroup sends items as one album. Albums cannot carry a keyboard,
// so opt.Button is ignored; the parse mode applies to every caption.
func (a *Adapter) SendMediaGroup(ctx context.Context, to kit.ChatTarget, items []kit.Media, opt *kit.SendOptions) ([]kit.MessageRef, error) {
	album := make(tele.Album, 0, len(items))
	for _, it := range items {
		in, err := inputMedia(it)
		if err != nil {
			return nil, err
		}
		album = append(album, in)
	}
	so := sendOptions(to, opt, false)
	var msgs []tele.Message
	err := a.call(ctx, func() (err error) {
		msgs, err = a.bot.SendAlbum(&tele.Chat{ID: to.ChatID}, album, so)
		return err
	})
	if err != nil {
		return nil, err
	}
	refs := make([]kit.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID})
	}
	return refs, nil
}

// splitText cuts s into parts of at most limit runes, preferring newline
// boundaries and, for HTML, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")
	var out []string
	for len(rs) > 0 {
		end := min(limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				if open := lastIndex(rs[:end], '<'); open > lastIndex(rs[:end], '>') && open > 0 {
					end = open
				}
			}
		}
		if part := strings.TrimRight(string(rs[:end]), "\n"); part != "" {
			out = append(out, part)
		}
		rs = rs[end:]
		for len(rs) > 0 && rs[0] == '\n' {
			rs = rs[1:]
		}
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
