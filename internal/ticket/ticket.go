// Package ticket provides ticket lifecycle operations: intake of inbound
// messages, status transitions, the activity trail and auto-assignment.
package ticket

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Ticket statuses.
const (
	StatusPending       = "pending"
	StatusProcessing    = "processing"
	StatusAwaitingReply = "awaiting_reply"
	StatusEscalated     = "escalated"
	StatusResolved      = "resolved"
	StatusClosed        = "closed"
)

// Message directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Ticket sources.
const (
	SourceEmail  = "email"
	SourceAPI    = "api"
	SourceManual = "manual"
)

// ErrNotFound is returned for unknown ticket IDs.
var ErrNotFound = errors.New("ticket: not found")

// ValidTransitions maps each status to its valid next statuses.
var ValidTransitions = map[string][]string{
	StatusPending:       {StatusProcessing, StatusEscalated, StatusResolved, StatusClosed},
	StatusProcessing:    {StatusAwaitingReply, StatusEscalated},
	StatusAwaitingReply: {StatusPending, StatusResolved, StatusEscalated, StatusClosed},
	StatusEscalated:     {StatusProcessing, StatusResolved, StatusClosed},
	StatusResolved:      {StatusClosed, StatusPending},
	StatusClosed:        {StatusPending},
}

// ActiveStatuses are the statuses that count toward an operator's load.
var ActiveStatuses = []string{StatusPending, StatusProcessing, StatusAwaitingReply, StatusEscalated}

// CanTransition reports whether from → to is allowed. Staying in the same
// status is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	return slices.Contains(ValidTransitions[from], to)
}

// GenerateID creates a unique ticket ID in tkt-xxxxxxxx format (8-char hex).
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("ticket: generate ID: %w", err)
	}
	return "tkt-" + hex.EncodeToString(b), nil
}

// InboundOpts describes one inbound customer message.
type InboundOpts struct {
	TicketID          string // append to this ticket when set
	ThreadKey         string // otherwise match an existing thread by key
	Subject           string
	Source            string // email, api, manual
	CustomerEmail     string
	CustomerName      string
	ChannelAccountID  string
	Body              string
	ExternalMessageID string
	InReplyTo         string
	Metadata          map[string]any
}

// InboundResult reports what Ingest did.
type InboundResult struct {
	Ticket   *models.Ticket
	Message  *models.TicketMessage
	Created  bool
	Reopened bool
}

// Ingest records an inbound message. It appends to an existing ticket
// matched by id or thread key, or creates a new one. Resolved or closed
// tickets are reopened to pending, and a follow-up to a ticket awaiting
// the customer returns it to pending.
func Ingest(db *gorm.DB, opts InboundOpts) (*InboundResult, error) {
	if strings.TrimSpace(opts.Body) == "" {
		return nil, fmt.Errorf("ticket: message body is required")
	}
	if opts.Source == "" {
		opts.Source = SourceAPI
	}

	res := &InboundResult{}
	err := db.Transaction(func(tx *gorm.DB) error {
		t, err := findExisting(tx, opts)
		if err != nil {
			return err
		}
		if t == nil {
			t, err = create(tx, opts)
			if err != nil {
				return err
			}
			res.Created = true
		} else if len(opts.Metadata) > 0 {
			merged, err := mergeMetadata(t.Metadata, opts.Metadata)
			if err != nil {
				return err
			}
			if err := tx.Model(t).Update("metadata", merged).Error; err != nil {
				return fmt.Errorf("ticket: update metadata %s: %w", t.ID, err)
			}
			t.Metadata = merged
		}

		msg := models.TicketMessage{
			TicketID:          t.ID,
			Direction:         Inbound,
			Sender:            opts.CustomerEmail,
			Body:              opts.Body,
			ExternalMessageID: opts.ExternalMessageID,
			InReplyTo:         opts.InReplyTo,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("ticket: append message to %s: %w", t.ID, err)
		}
		res.Message = &msg

		switch {
		case res.Created:
			if err := AddActivity(tx, t.ID, "customer", "created", "ticket opened via "+t.Source); err != nil {
				return err
			}
		case t.Status == StatusResolved || t.Status == StatusClosed:
			if err := setStatus(tx, t, StatusPending, nil); err != nil {
				return err
			}
			res.Reopened = true
			if err := AddActivity(tx, t.ID, "customer", "reopened", "follow-up message reopened the ticket"); err != nil {
				return err
			}
		case t.Status == StatusAwaitingReply:
			if err := setStatus(tx, t, StatusPending, nil); err != nil {
				return err
			}
			if err := AddActivity(tx, t.ID, "customer", "replied", "customer replied"); err != nil {
				return err
			}
		default:
			if err := AddActivity(tx, t.ID, "customer", "message", "message appended"); err != nil {
				return err
			}
		}
		res.Ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func findExisting(tx *gorm.DB, opts InboundOpts) (*models.Ticket, error) {
	var t models.Ticket
	var q *gorm.DB
	switch {
	case opts.TicketID != "":
		q = tx.Where("id = ?", opts.TicketID)
	case opts.ThreadKey != "":
		q = tx.Where("thread_key = ?", opts.ThreadKey).Order("created_at DESC")
	default:
		return nil, nil
	}
	if err := q.First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if opts.TicketID != "" {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, opts.TicketID)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("ticket: lookup: %w", err)
	}
	return &t, nil
}

func create(tx *gorm.DB, opts InboundOpts) (*models.Ticket, error) {
	id, err := generateUniqueID(tx)
	if err != nil {
		return nil, err
	}
	subject := opts.Subject
	if subject == "" {
		subject = summarize(opts.Body, 80)
	}
	meta, err := mergeMetadata(nil, opts.Metadata)
	if err != nil {
		return nil, err
	}
	t := models.Ticket{
		ID:               id,
		Subject:          subject,
		Source:           opts.Source,
		CustomerEmail:    opts.CustomerEmail,
		CustomerName:     opts.CustomerName,
		ThreadKey:        opts.ThreadKey,
		ChannelAccountID: opts.ChannelAccountID,
		Status:           StatusPending,
		Metadata:         meta,
	}
	if err := tx.Create(&t).Error; err != nil {
		return nil, fmt.Errorf("ticket: create: %w", err)
	}
	return &t, nil
}

// generateUniqueID tries up to 3 times to produce an ID not already in use.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 3 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Ticket{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("ticket: check ID: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("ticket: could not generate a unique ID")
}

func mergeMetadata(existing datatypes.JSON, extra map[string]any) (datatypes.JSON, error) {
	m := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &m); err != nil {
			return nil, fmt.Errorf("ticket: decode metadata: %w", err)
		}
	}
	for k, v := range extra {
		m[k] = v
	}
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ticket: encode metadata: %w", err)
	}
	return datatypes.JSON(data), nil
}

// Metadata decodes a ticket's metadata map. A ticket without metadata
// yields an empty map.
func Metadata(t *models.Ticket) map[string]any {
	m := map[string]any{}
	if len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &m)
	}
	return m
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Get retrieves a ticket by ID, preloading messages in order.
func Get(db *gorm.DB, id string) (*models.Ticket, error) {
	var t models.Ticket
	err := db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC, id ASC")
	}).Where("id = ?", id).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ticket: get %s: %w", id, err)
	}
	return &t, nil
}

// Transition moves a ticket to a new status, validating the move. fields
// are written in the same update.
func Transition(db *gorm.DB, id, to string, fields map[string]interface{}) error {
	var t models.Ticket
	if err := db.Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("ticket: get %s: %w", id, err)
	}
	return setStatus(db, &t, to, fields)
}

func setStatus(db *gorm.DB, t *models.Ticket, to string, fields map[string]interface{}) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("ticket: invalid transition %s → %s for %s", t.Status, to, t.ID)
	}
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range fields {
		updates[k] = v
	}
	if err := db.Model(&models.Ticket{}).Where("id = ?", t.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("ticket: update status %s: %w", t.ID, err)
	}
	t.Status = to
	return nil
}

// History returns every message of a ticket, oldest first.
func History(db *gorm.DB, ticketID string) ([]models.TicketMessage, error) {
	var msgs []models.TicketMessage
	if err := db.Where("ticket_id = ?", ticketID).Order("created_at ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ticket: history %s: %w", ticketID, err)
	}
	return msgs, nil
}

// LatestInbound returns the newest inbound message of a ticket.
func LatestInbound(db *gorm.DB, ticketID string) (*models.TicketMessage, error) {
	var msg models.TicketMessage
	err := db.Where("ticket_id = ? AND direction = ?", ticketID, Inbound).
		Order("created_at DESC, id DESC").First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ticket: no inbound message on %s", ticketID)
		}
		return nil, fmt.Errorf("ticket: latest inbound %s: %w", ticketID, err)
	}
	return &msg, nil
}

// AppendOutbound stores a reply sent to the customer.
func AppendOutbound(db *gorm.DB, ticketID, sender, body, externalID, inReplyTo string) (*models.TicketMessage, error) {
	msg := models.TicketMessage{
		TicketID:          ticketID,
		Direction:         Outbound,
		Sender:            sender,
		Body:              body,
		ExternalMessageID: externalID,
		InReplyTo:         inReplyTo,
	}
	if err := db.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("ticket: append outbound to %s: %w", ticketID, err)
	}
	return &msg, nil
}
