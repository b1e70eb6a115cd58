// Package notify is the post-commit notification hook. Payment review
// emits a notice after its transaction commits; delivery is best-effort
// and a failed delivery never rolls back or fails the state change.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind distinguishes the notices the core emits.
type Kind string

const (
	PaymentApproved Kind = "payment_approved"
	PaymentRejected Kind = "payment_rejected"
)

// Notice describes one event worth telling a registrant about.
type Notice struct {
	Kind    Kind
	GroupID string
	MeetID  string
	UserID  string // registrant to notify
	Note    string
}

// Notifier delivers notices. Implementations live outside the core
// (e-mail formatting is an external collaborator); the core only calls
// the interface.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the structured log. It is the default
// delivery when no external notifier is wired in.
type LogNotifier struct {
	Log *slog.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.Log.Info("notification",
		"kind", string(n.Kind),
		"group_id", n.GroupID,
		"user_id", n.UserID,
	)
	return nil
}

// Memory records notices for tests.
type Memory struct {
	mu      sync.Mutex
	Notices []Notice
}

func (m *Memory) Notify(_ context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notices = append(m.Notices, n)
	return nil
}

// Sent returns a snapshot of the recorded notices.
func (m *Memory) Sent() []Notice {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notice, len(m.Notices))
	copy(out, m.Notices)
	return out
}
