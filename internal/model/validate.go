package model

import (
	"errors"
	"fmt"
	"net/url"
	"unicode/utf8"
)

const (
	MaxMediaItems   = 10
	MaxCaptionRunes = 1024
	MaxTextRunes    = 4096
)

var ErrInvalidContent = errors.New("invalid content")

// Validate reports content the chat platform would reject or that would be
// sent in a shape nobody asked for.
func (c Content) Validate() error {
	var errs []error
	if (c.ButtonText == "") != (c.ButtonURL == "") {
		errs = append(errs, errors.New("button text and url must be set together"))
	}
	if c.ButtonURL != "" {
		if u, err := url.Parse(c.ButtonURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("button url %q must be an absolute https url", c.ButtonURL))
		}
	}
	if n := len(c.Media); n > MaxMediaItems {
		errs = append(errs, fmt.Errorf("%d media items, at most %d allowed", n, MaxMediaItems))
	}
	runes := utf8.RuneCountInString(c.Text)
	switch {
	case len(c.Media) > 0 && runes > MaxCaptionRunes:
		errs = append(errs, fmt.Errorf("caption has %d characters, at most %d allowed with media", runes, MaxCaptionRunes))
	case len(c.Media) == 0 && c.Text == "":
		errs = append(errs, errors.New("text is required without media"))
	}
	for i, m := range c.Media {
		switch {
		case m.FileID != "" && m.Kind == "":
			errs = append(errs, fmt.Errorf("media %d has a file id but no kind", i))
		case m.FileID == "" && m.Path == "":
			errs = append(errs, fmt.Errorf("media %d has no path", i))
		}
		switch m.Kind {
		case "", MediaPhoto, MediaVideo:
		case MediaVoice, MediaVideoNote:
			if len(c.Media) > 1 {
				errs = append(errs, fmt.Errorf("media %d: %s must be sent alone", i, m.Kind))
			}
			if m.Kind == MediaVideoNote && c.Text != "" {
				errs = append(errs, errors.New("a video note carries no caption"))
			}
		default:
			errs = append(errs, fmt.Errorf("media %d has unsupported kind %q", i, m.Kind))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidContent, errors.Join(errs...))
}
