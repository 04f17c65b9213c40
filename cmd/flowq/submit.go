package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

var submitCmd = &cobra.Command{
	Use:   "submit <name> [args-json]",
	Short: "Submit a task or workflow run to a running server",
	Long: `Submit posts a run to the HTTP API and prints the accepted run as JSON.

Args are passed as a raw JSON value. With --wait the command polls the run
until it reaches a terminal state and exits non-zero unless it succeeded.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

var (
	submitServer   string
	submitQueue    string
	submitWorkflow bool
	submitWait     bool
	submitTimeout  time.Duration
)

func init() {
	submitCmd.Flags().StringVar(&submitServer, "server", "http://localhost:8080", "base URL of the flowq API")
	submitCmd.Flags().StringVar(&submitQueue, "queue", "", "queue override for the run")
	submitCmd.Flags().BoolVar(&submitWorkflow, "workflow", false, "submit a workflow run instead of a task run")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the run reaches a terminal state")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 5*time.Minute, "how long --wait polls before giving up")
	rootCmd.AddCommand(submitCmd)
}

// runSnapshot is the slice of the API run responses the command cares about.
// Task runs report a state, workflow runs a status.
type runSnapshot struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	name := args[0]
	rawArgs := json.RawMessage("null")
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("args must be valid JSON, got %q", args[1])
		}
		rawArgs = json.RawMessage(args[1])
	}
	if submitWorkflow && submitQueue != "" {
		return fmt.Errorf("--queue applies to task runs only; workflow nodes run on their task queues")
	}

	payload := struct {
		Args  json.RawMessage `json:"args"`
		Queue string          `json:"queue,omitempty"`
	}{Args: rawArgs, Queue: submitQueue}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	base := strings.TrimRight(submitServer, "/")
	endpoint := fmt.Sprintf("%s/api/tasks/%s/runs", base, url.PathEscape(name))
	pollPath := base + "/api/runs/"
	if submitWorkflow {
		endpoint = fmt.Sprintf("%s/api/workflows/%s/runs", base, url.PathEscape(name))
		pollPath = base + "/api/workflow-runs/"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	accepted, err := postRun(ctx, httpClient, endpoint, body)
	if err != nil {
		return err
	}
	printJSON(cmd, accepted)

	if !submitWait {
		return nil
	}

	var snap runSnapshot
	if err := json.Unmarshal(accepted, &snap); err != nil {
		return fmt.Errorf("failed to decode accepted run: %w", err)
	}
	final, err := pollUntilTerminal(ctx, httpClient, pollPath+snap.ID)
	if err != nil {
		return err
	}
	printJSON(cmd, final)

	var done runSnapshot
	if err := json.Unmarshal(final, &done); err != nil {
		return fmt.Errorf("failed to decode final run: %w", err)
	}
	if submitWorkflow {
		if done.Status != string(workflow.StatusSucceeded) {
			return fmt.Errorf("workflow run finished %s", done.Status)
		}
		return nil
	}
	if done.State != string(task.RunStateSucceeded) {
		if done.FailureReason != "" {
			return fmt.Errorf("run finished %s: %s", done.State, done.FailureReason)
		}
		return fmt.Errorf("run finished %s", done.State)
	}
	return nil
}

func postRun(ctx context.Context, httpClient *http.Client, endpoint string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("submit rejected with %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// pollUntilTerminal fetches the run once a second until its state or status
// stops changing. The caller's context bounds the wait.
func pollUntilTerminal(ctx context.Context, httpClient *http.Client, endpoint string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for run: %w", ctx.Err())
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build poll request: %w", err)
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("poll request failed: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read poll response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("poll rejected with %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
		}

		var snap runSnapshot
		if err := json.Unmarshal(respBody, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode poll response: %w", err)
		}
		if snap.Status != "" && workflow.Status(snap.Status).Terminal() {
			return respBody, nil
		}
		if snap.State != "" && task.RunState(snap.State).Terminal() {
			return respBody, nil
		}
	}
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		cmd.Println(string(raw))
		return
	}
	cmd.Println(out.String())
}
