package adapter

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	kit "campaignbot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

// telebot formats platform errors it has no sentinel for as "telegram: <description> (<code>)".
var rawErrRe = regexp.MustCompile(`^telegram: (.*) \((\d+)\)$`)

// translate maps a telebot error into *kit.Error. Errors that did not come
// from the platform (network, I/O, local files) are returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		desc := "Too Many Requests: retry after " + strconv.Itoa(flood.RetryAfter)
		return &kit.Error{Kind: kit.KindRateLimited, Code: 429, Description: desc, RetryAfter: flood.RetryAfter, Err: err}
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser):
		return platformError(kit.KindBlocked, err)
	case errors.Is(err, tele.ErrUserIsDeactivated):
		return platformError(kit.KindUserDeactivated, err)
	case errors.Is(err, tele.ErrChatNotFound):
		return platformError(kit.KindChatNotFound, err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		return &kit.Error{Kind: classify(te.Code, te.Description), Code: te.Code, Description: te.Description, Err: err}
	}
	if m := rawErrRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		return &kit.Error{Kind: classify(code, m[1]), Code: code, Description: m[1], Err: err}
	}
	return err
}

func platformError(kind kit.ErrorKind, err error) *kit.Error {
	e := &kit.Error{Kind: kind, Description: err.Error(), Err: err}
	var te *tele.Error
	if errors.As(err, &te) {
		e.Code, e.Description = te.Code, te.Description
	}
	return e
}

// classify is the fallback for errors telebot has no sentinel for.
func classify(code int, description string) kit.ErrorKind {
	d := strings.ToLower(description)
	switch {
	case code == 429:
		return kit.KindRateLimited
	case code == 403 && strings.Contains(d, "blocked by the user"):
		return kit.KindBlocked
	case code == 403 && strings.Contains(d, "user is deactivated"):
		return kit.KindUserDeactivated
	case code == 400 && strings.Contains(d, "chat not found"):
		return kit.KindChatNotFound
	}
	return kit.KindOther
}
