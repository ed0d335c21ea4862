// Package mail is the narrow contract for outbound delivery. Actual
// transport lives outside the service; the default sender only records that
// a message would have gone out.
package mail

import (
	"context"

	"sitespectral.org/internal/obs"
)

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Discard logs the delivery attempt and reports ErrNoSender. Magic-link
// creation falls back to returning the secret in the API response when
// delivery is unavailable, so Discard must not pretend the mail went out.
type Discard struct{}

func (Discard) Send(ctx context.Context, to, subject, body string) error {
	obs.Event("info", "mail discarded: no sender configured", map[string]any{"to": to})
	return ErrNoSender
}

// ErrNoSender marks delivery as unavailable.
var ErrNoSender = errNoSender{}

type errNoSender struct{}

func (errNoSender) Error() string { return "mail: no sender configured" }
