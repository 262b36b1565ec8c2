// Package model holds the campaign domain types shared by storage, dispatch and delivery.
package model

import "time"

// Recipient is a chat subscriber. Only membership creates recipients;
// delivery may only deactivate them.
type Recipient struct {
	ID           int64
	ChatID       int64
	Username     string
	Active       bool
	RegisteredAt time.Time
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
)

// Solo reports whether the kind must be the only attachment of a message.
func (k MediaKind) Solo() bool { return k == MediaVoice || k == MediaVideoNote }

// MediaItem is an attachment stored on disk, or already held by the chat
// platform when FileID is set. Kind may be empty for files on disk, in which
// case the sender sniffs it from the file content.
type MediaItem struct {
	Kind   MediaKind
	Path   string
	FileID string
}

// Content is what one delivery unit sends.
type Content struct {
	Text       string
	ButtonText string
	ButtonURL  string
	Media      []MediaItem
}

// HasButton reports whether a keyboard is attached. Both fields must be set.
func (c Content) HasButton() bool {
	return c.ButtonText != "" && c.ButtonURL != ""
}

// Mailing is a one-shot broadcast. Processed flips false to true once, at claim.
type Mailing struct {
	ID          int64
	Title       string
	Content     Content
	ReadyToSend bool
	Processed   bool
	Instant     bool
	ScheduledAt time.Time // zero when Instant
	CreatedAt   time.Time
}

type Scenario struct {
	ID                int64
	Title             string
	TriggerDelayHours int
	Active            bool
	Steps             []ScenarioStep // ascending Seq
}

// ScenarioStep is one message of a scenario chain. DelaySeconds is the wait
// after the previous step before this one is sent.
type ScenarioStep struct {
	ID           int64
	ScenarioID   int64
	Seq          int
	Content      Content
	DelaySeconds int
}

// Next returns the step after id, or false when id is the last step.
func (s Scenario) Next(stepID int64) (ScenarioStep, bool) {
	for i, st := range s.Steps {
		if st.ID == stepID && i+1 < len(s.Steps) {
			return s.Steps[i+1], true
		}
	}
	return ScenarioStep{}, false
}

// Step returns the step with id.
func (s Scenario) Step(stepID int64) (ScenarioStep, bool) {
	for _, st := range s.Steps {
		if st.ID == stepID {
			return st, true
		}
	}
	return ScenarioStep{}, false
}

// UnitKind names what a RecipientGate record or log entry refers to.
type UnitKind string

const (
	UnitMailing UnitKind = "mailing"
	UnitStep    UnitKind = "step"
)

// CampaignKind groups log entries for reporting.
type CampaignKind string

const (
	CampaignMailing  CampaignKind = "mailing"
	CampaignScenario CampaignKind = "scenario"
)

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// DeliveryLogEntry is appended once per delivery attempt.
type DeliveryLogEntry struct {
	ID           int64
	CampaignKind CampaignKind
	CampaignID   int64
	UnitKind     UnitKind
	UnitID       int64
	RecipientID  int64
	At           time.Time
	Status       Status
	Error        string
	// Deactivated marks an ERROR entry whose recipient turned out to be
	// unreachable and was deactivated.
	Deactivated  bool
}

// DeliverySummary counts the log entries of one campaign. Failed excludes
// the ERROR entries counted in Deactivated.
type DeliverySummary struct {
	Success     int
	Failed      int
	Deactivated int
}

// Broadcast is an operator-started mailing of one voice message or video
// note already held by the platform. ChatID receives the delivered count
// once no unit of the mailing is left in the queue.
type Broadcast struct {
	MailingID int64
	ChatID    int64
	Kind      MediaKind
	FileID    string
	CreatedAt time.Time
}
