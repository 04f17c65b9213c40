package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// SubmitRunRequest is the body for submitting a task run. Args pass through
// to the task handler untouched; an absent body submits null args.
type SubmitRunRequest struct {
	Args  json.RawMessage `json:"args"`
	Queue string          `json:"queue,omitempty" validate:"omitempty,max=128"`
}

// SubmitWorkflowRunRequest is the body for submitting a workflow run.
type SubmitWorkflowRunRequest struct {
	Args json.RawMessage `json:"args"`
}

// RunResponse is the wire representation of a task run. The lease token is
// a worker capability and is never exposed.
type RunResponse struct {
	ID              string          `json:"id"`
	TaskName        string          `json:"task_name"`
	Queue           string          `json:"queue"`
	State           string          `json:"state"`
	Origin          string          `json:"origin"`
	Attempt         int             `json:"attempt"`
	MaxRetries      int             `json:"max_retries"`
	Args            json.RawMessage `json:"args,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	WorkflowRunID   string          `json:"workflow_run_id,omitempty"`
	NodeID          string          `json:"node_id,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ListRunsResponse wraps the run list so the payload stays an object.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// runToResponse converts a task run to its wire representation.
func runToResponse(run *task.Run) RunResponse {
	resp := RunResponse{
		ID:              run.ID.String(),
		TaskName:        run.TaskName,
		Queue:           run.Queue,
		State:           string(run.State),
		Origin:          string(run.Origin),
		Attempt:         run.Attempt,
		MaxRetries:      run.MaxRetries,
		Args:            run.Args,
		Result:          run.Result,
		FailureReason:   run.FailureReason,
		CancelRequested: run.CancelRequested,
		NodeID:          run.NodeID,
		EnqueuedAt:      run.EnqueuedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	if run.WorkflowRunID != uuid.Nil {
		resp.WorkflowRunID = run.WorkflowRunID.String()
	}
	if !run.StartedAt.IsZero() {
		t := run.StartedAt
		resp.StartedAt = &t
	}
	if !run.FinishedAt.IsZero() {
		t := run.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

// NodeResponse is the wire representation of one workflow node's progress.
type NodeResponse struct {
	State         string `json:"state"`
	RunID         string `json:"run_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// WorkflowRunResponse is the wire representation of a workflow run.
type WorkflowRunResponse struct {
	ID              string                  `json:"id"`
	WorkflowName    string                  `json:"workflow_name"`
	Status          string                  `json:"status"`
	Args            json.RawMessage         `json:"args,omitempty"`
	Nodes           map[string]NodeResponse `json:"nodes"`
	CancelRequested bool                    `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	FinishedAt      *time.Time              `json:"finished_at,omitempty"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// ListWorkflowRunsResponse wraps the workflow run list.
type ListWorkflowRunsResponse struct {
	WorkflowRuns []WorkflowRunResponse `json:"workflow_runs"`
}

// workflowRunToResponse converts a workflow run to its wire representation.
func workflowRunToResponse(run *workflow.Run) WorkflowRunResponse {
	nodes := make(map[string]NodeResponse, len(run.Nodes))
	for id, ns := range run.Nodes {
		node := NodeResponse{
			State:         string(ns.State),
			FailureReason: ns.FailureReason,
		}
		if ns.RunID != uuid.Nil {
			node.RunID = ns.RunID.String()
		}
		nodes[id] = node
	}

	resp := WorkflowRunResponse{
		ID:              run.ID.String(),
		WorkflowName:    run.WorkflowName,
		Status:          string(run.Status),
		Args:            run.Args,
		Nodes:           nodes,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
	if !run.FinishedAt.IsZero() {
		t := run.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}
