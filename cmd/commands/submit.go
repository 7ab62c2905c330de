package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/steward/internal/config"
	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/queue"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

// NewSubmitCommand returns the submit subcommand.
func NewSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit a message task to the queue",
		ArgsUsage: "<body>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "channel",
				Usage: "Message channel",
				Value: "cli",
			},
			&cli.StringFlag{
				Name:  "sender",
				Usage: "Message sender",
				Value: "operator",
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Message subject",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Task priority (critical, high, medium, low)",
			},
			&cli.StringFlag{
				Name:  "event-id",
				Usage: "External event identity, defaults to a fresh UUID",
			},
		},
		Action: runSubmit,
	}
}

func runSubmit(_ context.Context, cmd *cli.Command) error {
	body := cmd.Args().First()
	if body == "" {
		return fmt.Errorf("usage: steward submit <body>")
	}

	identity := cmd.String("event-id")
	if identity == "" {
		identity = uuid.NewString()
	}

	audit, err := store.NewAuditLog(config.AuditPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	bus := events.NewBus(16)
	defer bus.Close()

	q := queue.New(store.NewTaskStore(config.TasksPath(), audit), bus, 0)

	t, merged, err := q.Enqueue(queue.Submission{
		ID:       task.DeriveID("cli", task.KindMessage, identity),
		Kind:     task.KindMessage,
		Priority: task.Priority(cmd.String("priority")),
		Source:   "cli",
		Payload: task.Payload{
			Channel: cmd.String("channel"),
			Sender:  cmd.String("sender"),
			Subject: cmd.String("subject"),
			Body:    body,
		},
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if merged {
		fmt.Printf("Merged into existing task %s.\n", t.ID)
	} else {
		fmt.Printf("Task %s enqueued (%s).\n", t.ID, t.Priority)
	}
	return nil
}
