package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Button attaches a single inline URL button. Nil means no keyboard.
	Button *Button
}

// Button is a single inline URL button.
type Button struct {
	Text string
	URL  string
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
)

// Media is a local file, or a file already held by the platform when FileID
// is set. Voice messages and video notes cannot be part of a group, and
// video notes carry no caption.
type Media struct {
	Kind    MediaKind
	Path    string
	FileID  string
	Caption string
}

// Sender is the send primitive used by delivery workers.
//
// Every method returns either nil or an error. Errors produced by the chat
// platform are *Error values; anything else (timeouts, I/O) is passed through.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, m Media, opt *SendOptions) (MessageRef, error)
	SendMediaGroup(ctx context.Context, to ChatTarget, items []Media, opt *SendOptions) ([]MessageRef, error)
}

type UpdateKind string

const (
	UpdateStart UpdateKind = "start"
	// UpdateStats is the operator /stats command.
	UpdateStats UpdateKind = "stats"

	// Operator broadcast flow: /broadcast, then a voice message or a video
	// note, then /confirm or /cancel.
	UpdateBroadcast UpdateKind = "broadcast"
	UpdateConfirm   UpdateKind = "confirm"
	UpdateCancel    UpdateKind = "cancel"
	UpdateVoice     UpdateKind = "voice"
	UpdateVideoNote UpdateKind = "video_note"
)

// Update is an inbound event the bot cares about.
type Update struct {
	Kind     UpdateKind
	ChatID   int64
	FromID   int64
	Username string
	Text     string
	// FileID is set on voice and video note updates.
	FileID   string
}

// Adapter is a Sender that can also receive updates.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
