package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/pipeline"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/ticket"
	"gorm.io/gorm"
)

func newTicketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket",
		Short: "Ticket intake and inspection commands",
	}

	cmd.AddCommand(newTicketIngestCmd())
	cmd.AddCommand(newTicketShowCmd())
	cmd.AddCommand(newTicketRetryCmd())
	return cmd
}

// pipelineFor builds a Pipeline that only records rows and jobs; the
// workers of `sb serve` run them.
func pipelineFor(cfg *config.Config, gormDB *gorm.DB) *pipeline.Pipeline {
	return pipeline.New(queue.New(gormDB), pipeline.Deps{}, pipeline.Options{
		Attempts:  cfg.Pipeline.Attempts,
		Backoff:   cfg.Pipeline.Backoff,
		AutoReply: cfg.AutoReplyEnabled(),
	})
}

func newTicketIngestCmd() *cobra.Command {
	var (
		configPath string
		opts       ticket.InboundOpts
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record an inbound customer message and queue it for the pipeline",
		Long: `Records an inbound message, creating a ticket or appending to an existing
one, and queues the ingest stage. Use --body - to read the message from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTicketIngest(cmd, configPath, opts)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&opts.TicketID, "ticket", "", "append to this ticket")
	cmd.Flags().StringVar(&opts.ThreadKey, "thread", "", "thread key matching earlier messages")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "ticket subject")
	cmd.Flags().StringVar(&opts.Source, "source", ticket.SourceManual, "ticket source: email, api, manual")
	cmd.Flags().StringVar(&opts.CustomerEmail, "email", "", "customer email address (required)")
	cmd.Flags().StringVar(&opts.CustomerName, "name", "", "customer name")
	cmd.Flags().StringVar(&opts.Body, "body", "", "message body, or - for stdin (required)")
	cmd.Flags().StringVar(&opts.ExternalMessageID, "message-id", "", "external message ID")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("body")
	return cmd
}

func runTicketIngest(cmd *cobra.Command, configPath string, opts ticket.InboundOpts) error {
	switch opts.Source {
	case ticket.SourceEmail, ticket.SourceAPI, ticket.SourceManual:
	default:
		return fmt.Errorf("invalid source %q: must be email, api, or manual", opts.Source)
	}
	if opts.Body == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		opts.Body = string(data)
	}
	if strings.TrimSpace(opts.Body) == "" {
		return fmt.Errorf("message body is empty")
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	res, row, err := pipelineFor(cfg, gormDB).Receive(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "Appended to"
	switch {
	case res.Created:
		verb = "Created"
	case res.Reopened:
		verb = "Reopened"
	}
	fmt.Fprintf(out, "%s ticket %s (message %d)\n", verb, res.Ticket.ID, res.Message.ID)
	if row != nil {
		fmt.Fprintf(out, "Queued run %d (processing %d)\n", row.Run, row.ID)
	} else {
		fmt.Fprintf(out, "Ticket is %s; message held for the operator\n", res.Ticket.Status)
	}
	return nil
}

func newTicketShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a ticket's messages, pipeline rows and activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTicketShow(cmd, configPath, args[0])
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runTicketShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	t, err := ticket.Get(gormDB, id)
	if err != nil {
		return err
	}
	rows, err := pipeline.Processing(gormDB, t.ID)
	if err != nil {
		return err
	}
	activities, err := ticket.Activities(gormDB, t.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", t.ID)
	fmt.Fprintf(out, "Subject:     %s\n", t.Subject)
	fmt.Fprintf(out, "Status:      %s\n", t.Status)
	fmt.Fprintf(out, "Source:      %s\n", t.Source)
	fmt.Fprintf(out, "Customer:    %s\n", customer(t.CustomerName, t.CustomerEmail))
	if t.EscalationReason != "" {
		fmt.Fprintf(out, "Escalation:  %s\n", t.EscalationReason)
	}
	fmt.Fprintf(out, "Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(out, "\nMessages (%d):\n", len(t.Messages))
	for _, m := range t.Messages {
		fmt.Fprintf(out, "  [%s] %s %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Direction, m.Sender, oneLine(m.Body, 100))
	}

	if len(rows) > 0 {
		fmt.Fprintln(out, "\nPipeline:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  RUN\tSTAGE\tSTATUS\tATTEMPTS\tERROR")
		for _, r := range rows {
			fmt.Fprintf(w, "  %d\t%s\t%s\t%d\t%s\n", r.Run, r.Stage, r.Status, r.Attempts, oneLine(r.Error, 60))
		}
		w.Flush()
	}

	if len(activities) > 0 {
		fmt.Fprintln(out, "\nActivity:")
		for _, a := range activities {
			fmt.Fprintf(out, "  [%s] %s %s: %s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Actor, a.Action, oneLine(a.Detail, 100))
		}
	}
	return nil
}

func newTicketRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <processing-id>",
		Short: "Re-queue a failed or escalated pipeline stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid processing id %q", args[0])
			}
			return runTicketRetry(cmd, configPath, uint(id))
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runTicketRetry(cmd *cobra.Command, configPath string, id uint) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	row, err := pipelineFor(cfg, gormDB).RetryProcessing(cmd.Context(), id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Re-queued %s stage of ticket %s (run %d)\n", row.Stage, row.TicketID, row.Run)
	return nil
}

func customer(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

// oneLine flattens s and truncates it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
