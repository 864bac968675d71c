package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/ticket"
	"gorm.io/gorm"
)

// escalation is a hand-off committed by escalateTx, waiting to be announced.
type escalation struct {
	ticket   *models.Ticket
	row      *models.PipelineProcessing
	reason   string
	assignee string
}

// escalateTx hands the ticket to a human inside tx: status, reason, assignee
// and activity. It returns nil when the ticket is already escalated, so a
// hand-off is recorded and announced once.
func escalateTx(tx *gorm.DB, t *models.Ticket, row *models.PipelineProcessing, reason string) (*escalation, error) {
	cur, err := ticket.Get(tx, t.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status == ticket.StatusEscalated {
		return nil, nil
	}
	if err := ticket.Transition(tx, t.ID, ticket.StatusEscalated, map[string]interface{}{"escalation_reason": reason}); err != nil {
		return nil, err
	}
	t.Status = ticket.StatusEscalated
	t.EscalationReason = reason

	if err := ticket.AddActivity(tx, t.ID, "pipeline", "escalated", fmt.Sprintf("%s: %s", row.Stage, reason)); err != nil {
		return nil, err
	}
	esc := &escalation{ticket: t, row: row, reason: reason}
	u, err := ticket.AutoAssign(tx, t.ID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		esc.assignee = u.Name
		t.AssigneeID = &u.ID
	}
	return esc, nil
}

// announce reports a committed escalation. Notice and event failures are
// logged only.
func (p *Pipeline) announce(ctx context.Context, esc *escalation) {
	t, row := esc.ticket, esc.row
	metrics.Escalated(row.Stage)
	p.log.Warn("ticket escalated", "ticket", t.ID, "stage", row.Stage, "reason", esc.reason, "assignee", esc.assignee)
	p.publish(ctx, events.Event{
		Kind:         events.KindEscalated,
		TicketID:     t.ID,
		ProcessingID: row.ID,
		Run:          row.Run,
		Stage:        row.Stage,
		Status:       StatusEscalated,
		Detail:       esc.reason,
	})
	if err := p.deps.Notifier.Notify(ctx, notify.Escalation(t.ID, t.Subject, row.Stage, esc.reason, esc.assignee)); err != nil {
		p.log.Warn("escalation notice failed", "ticket", t.ID, "err", err)
	}
}

// escalate hands the ticket over in its own transaction and announces it.
func (p *Pipeline) escalate(ctx context.Context, t *models.Ticket, row *models.PipelineProcessing, reason string) error {
	var esc *escalation
	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		esc, err = escalateTx(tx, t, row, reason)
		return err
	})
	if err != nil {
		return err
	}
	if esc == nil {
		p.log.Info("ticket already escalated", "ticket", t.ID, "stage", row.Stage)
		return nil
	}
	p.announce(ctx, esc)
	return nil
}

// Receive records an inbound message and starts a run for its ticket. An
// escalated ticket belongs to a human, so no run is started for it.
func (p *Pipeline) Receive(ctx context.Context, in ticket.InboundOpts) (*ticket.InboundResult, *models.PipelineProcessing, error) {
	res, err := ticket.Ingest(p.gdb.WithContext(ctx), in)
	if err != nil {
		return nil, nil, err
	}
	if res.Ticket.Status == ticket.StatusEscalated {
		p.log.Info("message held for operator", "ticket", res.Ticket.ID)
		return res, nil, nil
	}
	row, _, err := p.Enqueue(ctx, res.Ticket.ID)
	if err != nil {
		return res, nil, err
	}
	return res, row, nil
}

// catchUp starts another run when a customer wrote again after the agent
// stage of row's run picked its message.
func (p *Pipeline) catchUp(ctx context.Context, row *models.PipelineProcessing) {
	gdb := p.gdb.WithContext(ctx)
	var agentRow models.PipelineProcessing
	err := gdb.Where("ticket_id = ? AND run = ? AND stage = ?", row.TicketID, row.Run, StageAgent).
		Order("id DESC").First(&agentRow).Error
	if err != nil {
		p.log.Warn("follow-up check skipped", "ticket", row.TicketID, "err", err)
		return
	}
	var ar AgentResult
	if err := json.Unmarshal(agentRow.Result, &ar); err != nil {
		p.log.Warn("follow-up check skipped", "ticket", row.TicketID, "err", err)
		return
	}
	latest, err := ticket.LatestInbound(gdb, row.TicketID)
	if err != nil || latest.ID <= ar.AnsweredID {
		return
	}
	if err := ticket.Transition(gdb, row.TicketID, ticket.StatusPending, nil); err != nil {
		p.log.Warn("follow-up not picked up", "ticket", row.TicketID, "err", err)
		return
	}
	if _, _, err := p.Enqueue(ctx, row.TicketID); err != nil {
		p.log.Warn("follow-up not picked up", "ticket", row.TicketID, "err", err)
		return
	}
	p.log.Info("follow-up arrived during run, starting another", "ticket", row.TicketID, "message", latest.ID)
}
