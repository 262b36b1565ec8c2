package delivery

import (
	"campaignbot/internal/model"
	"campaignbot/internal/transport"
)

// Action is what a worker does with a send outcome.
type Action int

const (
	ActionLogSuccess Action = iota
	// ActionDeactivate marks the recipient inactive and logs at info level.
	ActionDeactivate
	ActionLogError
)

func (a Action) String() string {
	switch a {
	case ActionLogSuccess:
		return "success"
	case ActionDeactivate:
		return "deactivate"
	default:
		return "error"
	}
}

// Verdict is the classification of one send.
type Verdict struct {
	Action Action
	Status model.Status
	// Kind is the transport error kind, empty for success and unclassified errors.
	Kind   transport.ErrorKind
	Reason string
}

// Classify maps a send error to a Verdict. Only the closed set of transport
// kinds is inspected, never the error text.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{Action: ActionLogSuccess, Status: model.StatusSuccess}
	}
	v := Verdict{Action: ActionLogError, Status: model.StatusError, Reason: err.Error()}
	if te, ok := transport.AsError(err); ok {
		v.Kind = te.Kind
		if te.RecipientGone() {
			v.Action = ActionDeactivate
		}
	}
	return v
}
