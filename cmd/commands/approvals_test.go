package commands

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dohr-michael/steward/internal/task"
)

func TestResolveViaGateway(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(task.ApprovalRequest{
			ID:       "appr_1",
			TaskID:   "task_1",
			Decision: task.Decision(gotBody.Decision),
			Notes:    gotBody.Notes,
		})
	}))
	defer srv.Close()

	a, err := resolveViaGateway(srv.URL, "appr_1", task.DecisionApproved, "looks good")
	if err != nil {
		t.Fatalf("resolveViaGateway: %v", err)
	}

	if gotPath != "/api/approvals/appr_1/resolve" {
		t.Errorf("path: got %s", gotPath)
	}
	if gotBody.Decision != "approved" || gotBody.Notes != "looks good" {
		t.Errorf("request body: %+v", gotBody)
	}
	if a.ID != "appr_1" || a.Decision != task.DecisionApproved || a.TaskID != "task_1" {
		t.Errorf("resolved: %+v", a)
	}
}

func TestResolveViaGatewaySurfacesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "approval request already resolved", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := resolveViaGateway(srv.URL, "appr_1", task.DecisionRejected, "")
	if err == nil {
		t.Fatal("expected error on 409")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already resolved") {
		t.Errorf("error should carry status and body: %v", err)
	}
}

func TestResolveViaGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	if _, err := resolveViaGateway(srv.URL, "appr_1", task.DecisionApproved, ""); err == nil {
		t.Fatal("expected error when the gateway is unreachable")
	}
}
