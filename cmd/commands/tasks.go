package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/steward/internal/config"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect pipeline tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status",
					},
					&cli.StringFlag{
						Name:  "kind",
						Usage: "Filter by kind",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
			{
				Name:      "audit",
				Usage:     "Show a task's audit trail",
				ArgsUsage: "<task_id>",
				Action:    runTasksAudit,
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore() (*store.TaskStore, *store.AuditLog, error) {
	audit, err := store.NewAuditLog(config.AuditPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return store.NewTaskStore(config.TasksPath(), audit), audit, nil
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	ts, _, err := newTaskStore()
	if err != nil {
		return err
	}

	list, err := ts.List(store.ListFilter{
		Status: task.Status(cmd.String("status")),
		Kind:   task.Kind(cmd.String("kind")),
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tSTATUS\tATTEMPTS\tCREATED")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID,
			t.Kind,
			t.Priority,
			t.Status,
			t.AttemptCount,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: steward tasks show <task_id>")
	}

	ts, _, err := newTaskStore()
	if err != nil {
		return err
	}

	t, err := ts.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Kind:        %s\n", t.Kind)
	fmt.Printf("Priority:    %s\n", t.Priority)
	fmt.Printf("Status:      %s\n", t.Status)
	fmt.Printf("Attempts:    %d\n", t.AttemptCount)
	fmt.Printf("Created:     %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", t.UpdatedAt.Format("2006-01-02 15:04:05"))
	if t.Source != "" {
		fmt.Printf("Source:      %s\n", t.Source)
	}
	if t.Supersedes != "" {
		fmt.Printf("Supersedes:  %s\n", t.Supersedes)
	}
	if t.NotBefore != nil {
		fmt.Printf("Not before:  %s\n", t.NotBefore.Format("2006-01-02 15:04:05"))
	}
	if t.Frozen {
		fmt.Println("Frozen:      yes")
	}
	if t.LastError != "" {
		fmt.Printf("\nLast error (%s): %s\n", t.ErrorCode, t.LastError)
	}
	if t.Action != nil {
		fmt.Printf("\nAction:      %s\n", t.Action.Name)
		fmt.Printf("Idempotency: %s\n", t.Action.IdempotencyKey)
	}
	return nil
}

func runTasksAudit(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: steward tasks audit <task_id>")
	}

	_, audit, err := newTaskStore()
	if err != nil {
		return err
	}

	entries, err := audit.Entries(taskID)
	if err != nil {
		return fmt.Errorf("read audit: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	for _, e := range entries {
		from := e.FromStatus
		if from == "" {
			from = "(new)"
		}
		fmt.Printf("[%s] %s -> %s by %s", e.Timestamp.Format("15:04:05"), from, e.ToStatus, e.Actor)
		if e.ApprovalID != "" {
			fmt.Printf(" (approval %s)", e.ApprovalID)
		}
		if e.Detail != "" {
			fmt.Printf(": %s", e.Detail)
		}
		fmt.Println()
	}
	return nil
}
