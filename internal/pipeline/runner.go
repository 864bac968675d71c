package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/channel"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/ticket"
	"github.com/zulandar/switchboard/internal/tool"
	"gorm.io/gorm"
)

// outcome is what a stage handler decided.
type outcome struct {
	Status string // StatusCompleted or StatusEscalated
	Result any
	// Detail is the activity line for the stage.
	Detail string
	// Escalate, when set, hands the ticket to a human with this reason as
	// the row settles.
	Escalate string
}

// errAlreadySettled reports a row another worker settled first.
var errAlreadySettled = errors.New("pipeline: processing already settled")

// unsettled are the row statuses a stage outcome may still be recorded over.
var unsettled = []string{StatusQueued, StatusFailed}

type stageFunc func(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket) (outcome, error)

// handler wraps a stage function with the bookkeeping every stage shares:
// load the row, run, record the outcome, then hand off to the next stage.
func (p *Pipeline) handler(stage string, fn stageFunc) queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var pl payload
		if err := queue.Decode(job, &pl); err != nil {
			return queue.Permanent(err)
		}
		gdb := p.gdb.WithContext(ctx)

		var row models.PipelineProcessing
		if err := gdb.Where("id = ?", pl.ProcessingID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return queue.Permanent(fmt.Errorf("%w: %d", ErrNotFound, pl.ProcessingID))
			}
			return fmt.Errorf("pipeline: get processing %d: %w", pl.ProcessingID, err)
		}
		if row.Status == StatusCompleted || row.Status == StatusEscalated {
			p.log.Debug("stage already settled", "ticket", row.TicketID, "stage", stage, "status", row.Status)
			return nil
		}
		if err := gdb.Model(&row).UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return fmt.Errorf("pipeline: count attempt of %d: %w", row.ID, err)
		}

		t, err := ticket.Get(gdb, row.TicketID)
		if err != nil {
			return queue.Permanent(err)
		}

		start := p.now()
		out, err := fn(ctx, &row, t)
		took := p.now().Sub(start)
		if err != nil {
			err = classify(err)
			metrics.StageFinished(stage, StatusFailed, took)
			if ferr := p.fail(ctx, &row, err); ferr != nil {
				p.log.Error("failure not recorded", "processing", row.ID, "err", ferr)
			}
			if errors.Is(err, ErrIncomplete) {
				return queue.Permanent(err)
			}
			return err
		}

		if err := p.settle(ctx, &row, t, out); err != nil {
			if errors.Is(err, errAlreadySettled) {
				p.log.Warn("stage settled elsewhere, result dropped", "ticket", row.TicketID, "stage", stage, "processing", row.ID)
				return nil
			}
			metrics.StageFinished(stage, StatusFailed, took)
			if ferr := p.fail(ctx, &row, err); ferr != nil {
				p.log.Error("failure not recorded", "processing", row.ID, "err", ferr)
			}
			return err
		}
		metrics.StageFinished(stage, out.Status, took)
		p.log.Info("stage finished", "ticket", row.TicketID, "run", row.Run, "stage", stage, "status", out.Status, "elapsed", took)
		if stage == StageSafety && out.Status == StatusCompleted {
			p.catchUp(ctx, &row)
		}
		return nil
	}
}

// classify wraps errors that retrying cannot fix with ErrIncomplete.
func classify(err error) error {
	if errors.Is(err, ErrIncomplete) {
		return err
	}
	for _, target := range []error{
		agent.ErrNotFound,
		agent.ErrIncomplete,
		agent.ErrCircularReference,
		agent.ErrMaxDepth,
		agent.ErrNoReply,
		tool.ErrNotFound,
		channel.ErrNotConfigured,
	} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrIncomplete, err)
		}
	}
	return err
}

// fail marks the row failed with err. The queue decides whether it runs
// again.
func (p *Pipeline) fail(ctx context.Context, row *models.PipelineProcessing, cause error) error {
	res := p.gdb.WithContext(ctx).Model(&models.PipelineProcessing{}).
		Where("id = ? AND status IN ?", row.ID, unsettled).
		Updates(map[string]interface{}{
			"status": StatusFailed,
			"error":  cause.Error(),
		})
	if res.Error != nil {
		return fmt.Errorf("pipeline: mark processing %d failed: %w", row.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	row.Status = StatusFailed
	row.Error = cause.Error()
	if err := ticket.AddActivity(p.gdb.WithContext(ctx), row.TicketID, "pipeline", row.Stage+"_failed", cause.Error()); err != nil {
		return err
	}
	p.publish(ctx, events.Event{
		Kind:         events.KindStage,
		TicketID:     row.TicketID,
		ProcessingID: row.ID,
		Run:          row.Run,
		Stage:        row.Stage,
		Status:       StatusFailed,
		Detail:       cause.Error(),
	})
	return nil
}

// settle records a finished stage and, in the same transaction, either
// hands the ticket to a human or creates and schedules the next stage. It
// returns errAlreadySettled when the row was settled by someone else.
func (p *Pipeline) settle(ctx context.Context, row *models.PipelineProcessing, t *models.Ticket, out outcome) error {
	result, err := marshalResult(out.Result)
	if err != nil {
		return err
	}
	now := p.now()
	var (
		next *models.PipelineProcessing
		esc  *escalation
	)
	err = p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PipelineProcessing{}).
			Where("id = ? AND status IN ?", row.ID, unsettled).
			Updates(map[string]interface{}{
				"status":       out.Status,
				"result":       result,
				"error":        "",
				"completed_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("pipeline: mark processing %d %s: %w", row.ID, out.Status, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", errAlreadySettled, row.ID)
		}
		detail := out.Detail
		if detail == "" {
			detail = row.Stage + " " + out.Status
		}
		if err := ticket.AddActivity(tx, row.TicketID, "pipeline", row.Stage, detail); err != nil {
			return err
		}
		if out.Escalate != "" {
			var err error
			if esc, err = escalateTx(tx, t, row, out.Escalate); err != nil {
				return err
			}
		}
		if out.Status != StatusCompleted {
			return nil
		}
		stage := Transitions[row.Stage]
		if stage == "" {
			return nil
		}
		next = &models.PipelineProcessing{TicketID: row.TicketID, Run: row.Run, Stage: stage, Status: StatusQueued}
		if err := tx.Create(next).Error; err != nil {
			return fmt.Errorf("pipeline: create %s row for %s: %w", stage, row.TicketID, err)
		}
		return p.schedule(tx, next)
	})
	if err != nil {
		return err
	}
	row.Status = out.Status
	row.Result = result
	row.Error = ""
	row.CompletedAt = &now

	p.publish(ctx, events.Event{
		Kind:         events.KindStage,
		TicketID:     row.TicketID,
		ProcessingID: row.ID,
		Run:          row.Run,
		Stage:        row.Stage,
		Status:       out.Status,
		Detail:       out.Detail,
	})
	if esc != nil {
		p.announce(ctx, esc)
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, e events.Event) {
	if err := p.deps.Events.Publish(ctx, e); err != nil {
		p.log.Warn("event not published", "ticket", e.TicketID, "kind", e.Kind, "err", err)
	}
}
