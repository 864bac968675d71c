// Package pipeline drives each ticket through the stage chain
// ingest → intent → variable → agent → safety. Every stage is a durable job;
// a stage that completes creates the next stage's row and job, so one
// ticket's stages run strictly in order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/channel"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/intent"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/ticket"
	"github.com/zulandar/switchboard/internal/variable"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Stages.
const (
	StageIngest   = "ingest"
	StageIntent   = "intent"
	StageVariable = "variable"
	StageAgent    = "agent"
	StageSafety   = "safety"
)

// Processing row statuses.
const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusEscalated = "escalated"
)

// Stages lists every stage in pipeline order.
var Stages = []string{StageIngest, StageIntent, StageVariable, StageAgent, StageSafety}

// Transitions maps each stage to the stage that follows a completed row.
// The empty string ends the chain.
var Transitions = map[string]string{
	StageIngest:   StageIntent,
	StageIntent:   StageVariable,
	StageVariable: StageAgent,
	StageAgent:    StageSafety,
	StageSafety:   "",
}

// ErrIncomplete marks a stage that cannot succeed by retrying: required
// input is missing or the configuration is unusable. The ticket escalates
// immediately.
var ErrIncomplete = errors.New("pipeline: incomplete")

var (
	// ErrNotFound is returned for unknown processing IDs.
	ErrNotFound = errors.New("pipeline: processing not found")
	// ErrNotRetryable is returned by RetryProcessing for rows that are not
	// failed or escalated, or whose ticket already has a run in flight.
	ErrNotRetryable = errors.New("pipeline: processing cannot be retried")
)

// QueueName returns the job queue serving stage.
func QueueName(stage string) string { return "pipeline." + stage }

// IntentRecognizer classifies messages. *intent.Recognizer satisfies it.
type IntentRecognizer interface {
	Recognize(ctx context.Context, ticketID, message string) (*intent.Match, error)
}

// VariableExtractor fills ticket variables. *variable.Extractor satisfies it.
type VariableExtractor interface {
	ExtractAll(ctx context.Context, t *models.Ticket, inbound []string) ([]variable.Extraction, error)
}

// AgentExecutor writes replies. *agent.Engine satisfies it.
type AgentExecutor interface {
	Execute(ctx context.Context, agentID uint, ac agent.Context) (*agent.Result, error)
}

// SafetyChecker gates replies. *safety.Checker satisfies it.
type SafetyChecker interface {
	CheckReply(ctx context.Context, ticketID, reply, customerMessage string, history []models.TicketMessage) (*safety.Result, error)
}

// Deps are the collaborators of a Pipeline. Sender, Notifier and Events
// may be nil.
type Deps struct {
	Intents   IntentRecognizer
	Variables VariableExtractor
	Agents    AgentExecutor
	Safety    SafetyChecker
	Sender    channel.Sender
	Notifier  notify.Notifier
	Events    events.Publisher
	Logger    logging.Logger
}

// Options tunes a Pipeline.
type Options struct {
	// Attempts and Backoff are the retry policy of every stage job.
	Attempts int
	Backoff  time.Duration
	// AutoReply is used when the auto_reply_enabled setting is absent.
	AutoReply bool
}

// Pipeline owns the stage handlers.
type Pipeline struct {
	gdb  *gorm.DB
	q    *queue.Queue
	deps Deps
	opts Options
	log  logging.Logger
	now  func() time.Time
}

// New returns a Pipeline storing its rows through q's database.
func New(q *queue.Queue, deps Deps, opts Options) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Sender == nil {
		deps.Sender = channel.Disabled{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewFanout(deps.Logger)
	}
	return &Pipeline{
		gdb:  q.DB(),
		q:    q,
		deps: deps,
		opts: opts,
		log:  deps.Logger,
		now:  time.Now,
	}
}

// Register installs a handler for every stage queue on r.
func (p *Pipeline) Register(r *queue.Runner) {
	handlers := map[string]stageFunc{
		StageIngest:   p.ingest,
		StageIntent:   p.intent,
		StageVariable: p.variable,
		StageAgent:    p.agent,
		StageSafety:   p.safety,
	}
	for _, stage := range Stages {
		r.Handle(QueueName(stage), p.handler(stage, handlers[stage]))
	}
}

// payload is the body of every stage job.
type payload struct {
	ProcessingID uint   `json:"processingId"`
	TicketID     string `json:"ticketId"`
}

func (p *Pipeline) jobOptions() queue.Options {
	return queue.Options{MaxAttempts: p.opts.Attempts, Backoff: p.opts.Backoff}
}

// schedule enqueues the job for row and links the two, inside tx.
func (p *Pipeline) schedule(tx *gorm.DB, row *models.PipelineProcessing) error {
	job, err := p.q.EnqueueTx(tx, QueueName(row.Stage), payload{ProcessingID: row.ID, TicketID: row.TicketID}, p.jobOptions())
	if err != nil {
		return err
	}
	row.JobID = &job.ID
	if err := tx.Model(&models.PipelineProcessing{}).Where("id = ?", row.ID).Update("job_id", job.ID).Error; err != nil {
		return fmt.Errorf("pipeline: link job %d to processing %d: %w", job.ID, row.ID, err)
	}
	return nil
}

// inFlight returns the row currently carrying a run of the ticket: a queued
// row, or a failed row whose job still has retries pending.
func inFlight(tx *gorm.DB, ticketID string) (*models.PipelineProcessing, error) {
	var row models.PipelineProcessing
	err := tx.Table("pipeline_processings AS p").
		Select("p.*").
		Joins("LEFT JOIN jobs AS j ON j.id = p.job_id").
		Where("p.ticket_id = ?", ticketID).
		Where("(p.status = ? OR (p.status = ? AND j.status IN ?))", StatusQueued, StatusFailed,
			[]string{queue.StatusPending, queue.StatusRunning}).
		Order("p.id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: check in-flight run of %s: %w", ticketID, err)
	}
	return &row, nil
}

// Enqueue starts a new run for the ticket at the ingest stage. When a run
// is already in flight it returns that run's current row and started=false;
// the in-flight chain reads the newest messages when it gets to them.
func (p *Pipeline) Enqueue(ctx context.Context, ticketID string) (row *models.PipelineProcessing, started bool, err error) {
	if _, err := ticket.Get(p.gdb.WithContext(ctx), ticketID); err != nil {
		return nil, false, err
	}
	err = p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := inFlight(tx, ticketID)
		if err != nil {
			return err
		}
		if existing != nil {
			row = existing
			return nil
		}

		var last int
		if err := tx.Model(&models.PipelineProcessing{}).Where("ticket_id = ?", ticketID).
			Select("COALESCE(MAX(run), 0)").Scan(&last).Error; err != nil {
			return fmt.Errorf("pipeline: last run of %s: %w", ticketID, err)
		}
		row = &models.PipelineProcessing{TicketID: ticketID, Run: last + 1, Stage: StageIngest, Status: StatusQueued}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("pipeline: create ingest row for %s: %w", ticketID, err)
		}
		started = true
		return p.schedule(tx, row)
	})
	if err != nil {
		return nil, false, err
	}
	if started {
		p.log.Info("pipeline run started", "ticket", ticketID, "run", row.Run)
	}
	return row, started, nil
}

// RetryProcessing re-runs a failed or escalated row from its own stage. An
// escalated ticket is taken back into processing.
func (p *Pipeline) RetryProcessing(ctx context.Context, processingID uint) (*models.PipelineProcessing, error) {
	var row models.PipelineProcessing
	err := p.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", processingID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrNotFound, processingID)
			}
			return fmt.Errorf("pipeline: get processing %d: %w", processingID, err)
		}
		if row.Status != StatusFailed && row.Status != StatusEscalated {
			return fmt.Errorf("%w: %d is %s; only failed or escalated rows can be retried", ErrNotRetryable, row.ID, row.Status)
		}
		if other, err := inFlight(tx, row.TicketID); err != nil {
			return err
		} else if other != nil {
			return fmt.Errorf("%w: ticket %s already has processing %d in flight", ErrNotRetryable, row.TicketID, other.ID)
		}

		t, err := ticket.Get(tx, row.TicketID)
		if err != nil {
			return err
		}
		if t.Status == ticket.StatusEscalated {
			if err := ticket.Transition(tx, t.ID, ticket.StatusProcessing, map[string]interface{}{"escalation_reason": ""}); err != nil {
				return err
			}
		}

		err = tx.Model(&models.PipelineProcessing{}).Where("id = ?", row.ID).Updates(map[string]interface{}{
			"status":       StatusQueued,
			"error":        "",
			"completed_at": nil,
		}).Error
		if err != nil {
			return fmt.Errorf("pipeline: reset processing %d: %w", row.ID, err)
		}
		row.Status = StatusQueued
		row.Error = ""
		row.CompletedAt = nil
		if err := ticket.AddActivity(tx, row.TicketID, "operator", "retried", fmt.Sprintf("%s stage retried (run %d)", row.Stage, row.Run)); err != nil {
			return err
		}
		return p.schedule(tx, &row)
	})
	if err != nil {
		return nil, err
	}
	p.log.Info("processing retried", "ticket", row.TicketID, "processing", row.ID, "stage", row.Stage)
	return &row, nil
}

// RequeueJob is the operator's way to run a dead job again. A stage job is
// retried through RetryProcessing, so its row and ticket are reset with it;
// any other job is handed back to the queue as is. The returned row is nil
// for non-stage jobs.
func (p *Pipeline) RequeueJob(ctx context.Context, jobID uint) (*models.PipelineProcessing, error) {
	job, err := p.q.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(job.Queue, QueueName("")) {
		return nil, p.q.Requeue(ctx, jobID)
	}
	if job.Status != queue.StatusDead {
		return nil, fmt.Errorf("%w: job %d is %s", queue.ErrNotDead, job.ID, job.Status)
	}
	var pl payload
	if err := queue.Decode(job, &pl); err != nil {
		return nil, err
	}
	return p.RetryProcessing(ctx, pl.ProcessingID)
}

// Processing returns every row of a ticket in creation order.
func Processing(db *gorm.DB, ticketID string) ([]models.PipelineProcessing, error) {
	var rows []models.PipelineProcessing
	if err := db.Where("ticket_id = ?", ticketID).Order("run ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pipeline: processing of %s: %w", ticketID, err)
	}
	return rows, nil
}

// ValidateOrder reports an error unless, for every run, the rows' stages
// form a prefix of Stages.
func ValidateOrder(rows []models.PipelineProcessing) error {
	next := map[int]int{}
	for _, r := range rows {
		i := next[r.Run]
		if i >= len(Stages) || Stages[i] != r.Stage {
			want := "<end>"
			if i < len(Stages) {
				want = Stages[i]
			}
			return fmt.Errorf("pipeline: run %d of %s: got stage %s at position %d, want %s", r.Run, r.TicketID, r.Stage, i, want)
		}
		next[r.Run] = i + 1
	}
	return nil
}

// OnExhausted escalates the ticket of a stage job that will not be retried.
// Pass it as queue.RunnerOpts.OnExhausted.
func (p *Pipeline) OnExhausted(ctx context.Context, job *models.Job, cause error) {
	metrics.JobExhausted(job.Queue)
	var pl payload
	if err := queue.Decode(job, &pl); err != nil {
		p.log.Error("exhausted job has bad payload", "job", job.ID, "err", err)
		return
	}
	var row models.PipelineProcessing
	if err := p.gdb.WithContext(ctx).Where("id = ?", pl.ProcessingID).First(&row).Error; err != nil {
		p.log.Error("exhausted job has no processing row", "job", job.ID, "processing", pl.ProcessingID, "err", err)
		return
	}
	t, err := ticket.Get(p.gdb.WithContext(ctx), row.TicketID)
	if err != nil {
		p.log.Error("exhausted job has no ticket", "job", job.ID, "ticket", row.TicketID, "err", err)
		return
	}

	reason := fmt.Sprintf("%s stage failed after %d attempt(s): %v", row.Stage, job.Attempts, cause)
	if errors.Is(cause, ErrIncomplete) {
		reason = fmt.Sprintf("%s stage cannot proceed: %v", row.Stage, cause)
	}
	if err := p.escalate(ctx, t, &row, reason); err != nil {
		p.log.Error("escalation failed", "ticket", t.ID, "err", err)
	}
}

func marshalResult(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode result: %w", err)
	}
	return datatypes.JSON(data), nil
}
