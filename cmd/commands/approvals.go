package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/steward/internal/approval"
	"github.com/dohr-michael/steward/internal/config"
	"github.com/dohr-michael/steward/internal/events"
	"github.com/dohr-michael/steward/internal/store"
	"github.com/dohr-michael/steward/internal/task"
	"github.com/dohr-michael/steward/internal/watchdog"
)

// NewApprovalsCommand returns the approvals subcommand.
func NewApprovalsCommand() *cli.Command {
	return &cli.Command{
		Name:  "approvals",
		Usage: "Review and resolve approval requests",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List approval requests",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pending",
						Usage: "Only show pending requests",
					},
				},
				Action: runApprovalsList,
			},
			{
				Name:      "approve",
				Usage:     "Approve a request",
				ArgsUsage: "<approval_id>",
				Flags:     resolveFlags(),
				Action: func(_ context.Context, cmd *cli.Command) error {
					return resolveApproval(cmd, task.DecisionApproved)
				},
			},
			{
				Name:      "reject",
				Usage:     "Reject a request",
				ArgsUsage: "<approval_id>",
				Flags:     resolveFlags(),
				Action: func(_ context.Context, cmd *cli.Command) error {
					return resolveApproval(cmd, task.DecisionRejected)
				},
			},
		},
		DefaultCommand: "list",
	}
}

func resolveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "notes",
			Usage: "Notes to record with the decision",
		},
	}
}

func newGate() (*approval.Gate, func(), error) {
	audit, err := store.NewAuditLog(config.AuditPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	bus := events.NewBus(16)
	gate := approval.NewGate(
		approval.NewFileStore(config.ApprovalsPath()),
		store.NewTaskStore(config.TasksPath(), audit),
		bus,
		approval.TTLPolicy{},
	)
	return gate, bus.Close, nil
}

func runApprovalsList(_ context.Context, cmd *cli.Command) error {
	gate, cleanup, err := newGate()
	if err != nil {
		return err
	}
	defer cleanup()

	filter := approval.ListFilter{}
	if cmd.Bool("pending") {
		filter.Decision = task.DecisionPending
	}

	list, err := gate.Store().List(filter)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No approval requests found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tRISK\tDECISION\tEXPIRES\tACTION")
	for _, a := range list {
		expires := "-"
		if a.Decision == task.DecisionPending {
			expires = time.Until(a.ExpiresAt).Truncate(time.Minute).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID,
			a.TaskID,
			a.RiskLevel,
			a.Decision,
			expires,
			a.ActionDescription,
		)
	}
	return w.Flush()
}

func resolveApproval(cmd *cli.Command, decision task.Decision) error {
	approvalID := cmd.Args().First()
	if approvalID == "" {
		return fmt.Errorf("usage: steward approvals %s <approval_id>", decision)
	}

	// A running daemon owns the stores: resolving through its API keeps the
	// CAS inside one process and wakes the executor immediately. The direct
	// store path is the fallback for when the daemon is down.
	var a *task.ApprovalRequest
	if baseURL := daemonBaseURL(cmd); baseURL != "" {
		resolved, err := resolveViaGateway(baseURL, approvalID, decision, cmd.String("notes"))
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		a = resolved
	} else {
		gate, cleanup, err := newGate()
		if err != nil {
			return err
		}
		defer cleanup()

		a, err = gate.Resolve(approvalID, decision, cmd.String("notes"))
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
	}

	fmt.Printf("Approval %s %s (task %s).\n", a.ID, a.Decision, a.TaskID)
	return nil
}

// daemonBaseURL returns the running daemon's API address, or "" when no
// live heartbeat is found.
func daemonBaseURL(cmd *cli.Command) string {
	hbPath := filepath.Join(config.StewardPath(), "heartbeat.json")
	liveness, _, err := watchdog.CheckHeartbeat(hbPath, 2*time.Minute)
	if err != nil || liveness != watchdog.LivenessAlive {
		return ""
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		cfg = config.Default()
	}
	return fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
}

func resolveViaGateway(baseURL, id string, decision task.Decision, notes string) (*task.ApprovalRequest, error) {
	body, err := json.Marshal(map[string]string{
		"decision": string(decision),
		"notes":    notes,
	})
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(
		baseURL+"/api/approvals/"+url.PathEscape(id)+"/resolve",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var a task.ApprovalRequest
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &a, nil
}
