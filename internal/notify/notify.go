// Package notify tells humans about tickets that need them, on the chat
// platforms they already watch.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/logging"
)

// Severity colors for chat attachments.
const (
	ColorWarning = "#daa038"
	ColorError   = "#cc0000"
	ColorInfo    = "#439fe0"
)

// Notice is a platform-neutral message about one ticket.
type Notice struct {
	TicketID string
	Title    string
	Body     string
	Color    string
	Fields   []Field
}

// Field is a key-value pair shown alongside the notice.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier delivers notices to one platform.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notice) error
}

// Fanout delivers to every notifier. Failures are logged and joined; one
// platform failing does not stop the others.
type Fanout struct {
	notifiers []Notifier
	log       logging.Logger
}

// NewFanout returns a Fanout over ns. Nil entries are skipped.
func NewFanout(log logging.Logger, ns ...Notifier) *Fanout {
	if log == nil {
		log = logging.Discard()
	}
	f := &Fanout{log: log}
	for _, n := range ns {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

// Len reports how many notifiers are attached.
func (f *Fanout) Len() int { return len(f.notifiers) }

func (f *Fanout) Name() string { return "fanout" }

// Notify sends n everywhere.
func (f *Fanout) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range f.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			f.log.Warn("notice not delivered", "platform", nt.Name(), "ticket", n.TicketID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", nt.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Escalation builds the notice posted when a ticket is handed to a human.
func Escalation(ticketID, subject, stage, reason, assignee string) Notice {
	if assignee == "" {
		assignee = "unassigned"
	}
	return Notice{
		TicketID: ticketID,
		Title:    fmt.Sprintf("Ticket %s escalated", ticketID),
		Body:     reason,
		Color:    ColorWarning,
		Fields: []Field{
			{Name: "Subject", Value: subject},
			{Name: "Stage", Value: stage, Short: true},
			{Name: "Assignee", Value: assignee, Short: true},
		},
	}
}
