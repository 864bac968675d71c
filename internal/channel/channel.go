// Package channel delivers replies to customers over the ticket's source
// channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("channel: no relay configured")

// Outbound is one reply to deliver.
type Outbound struct {
	TicketID  string
	AccountID string
	To        string
	ToName    string
	Subject   string
	Body      string
	// InReplyTo is the external id of the customer message being answered.
	InReplyTo string
}

// Sender delivers replies and returns the external message ID assigned to
// the reply.
type Sender interface {
	SendReply(ctx context.Context, out Outbound) (string, error)
}

// Disabled rejects every send.
type Disabled struct{}

func (Disabled) SendReply(context.Context, Outbound) (string, error) {
	return "", ErrNotConfigured
}

// RelayOpts configures a Relay.
type RelayOpts struct {
	URL       string
	Token     string
	AccountID string // used when Outbound.AccountID is empty
	Timeout   time.Duration
	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// Relay posts replies to an HTTP mail relay which owns the SMTP session.
type Relay struct {
	http      *resty.Client
	url       string
	token     string
	accountID string
}

// NewRelay returns a Relay.
func NewRelay(opts RelayOpts) (*Relay, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel: relay url is required")
	}
	c := resty.New()
	if opts.Client != nil {
		c = resty.NewWithClient(opts.Client)
	}
	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}
	return &Relay{http: c, url: opts.URL, token: opts.Token, accountID: opts.AccountID}, nil
}

type relayRequest struct {
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	ToName    string `json:"to_name,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	TicketID  string `json:"ticket_id"`
}

// SendReply posts out to the relay. The relay may answer with its own
// message_id; otherwise the generated one is returned.
func (r *Relay) SendReply(ctx context.Context, out Outbound) (string, error) {
	if out.To == "" {
		return "", fmt.Errorf("channel: reply for %s has no recipient", out.TicketID)
	}
	account := out.AccountID
	if account == "" {
		account = r.accountID
	}
	msgID := fmt.Sprintf("<%s@switchboard>", uuid.NewString())
	body := relayRequest{
		AccountID: account,
		MessageID: msgID,
		To:        out.To,
		ToName:    out.ToName,
		Subject:   replySubject(out.Subject),
		Body:      out.Body,
		InReplyTo: out.InReplyTo,
		TicketID:  out.TicketID,
	}

	req := r.http.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
	if r.token != "" {
		req.SetAuthToken(r.token)
	}
	resp, err := req.Post(r.url)
	if err != nil {
		return "", fmt.Errorf("channel: relay %s: %w", out.TicketID, err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("channel: relay %s: status %d: %s", out.TicketID, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if id := gjson.Get(resp.String(), "message_id"); id.Exists() && id.String() != "" {
		return id.String(), nil
	}
	return msgID, nil
}

func replySubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "Re: your request"
	}
	if strings.HasPrefix(strings.ToLower(s), "re:") {
		return s
	}
	return "Re: " + s
}
