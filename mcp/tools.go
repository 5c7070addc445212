package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/i2y/leanflow"
)

// StartInput is the input of start_process.
type StartInput struct {
	DefinitionCode string         `json:"definition_code" jsonschema:"Code of the published definition to start"`
	BusinessKey    string         `json:"business_key,omitempty" jsonschema:"Business key, unique among running instances"`
	Title          string         `json:"title,omitempty" jsonschema:"Human readable title of the instance"`
	Initiator      string         `json:"initiator,omitempty" jsonschema:"User starting the process"`
	Variables      map[string]any `json:"variables,omitempty" jsonschema:"Initial process variables"`
}

// InstanceOutput summarizes an instance.
type InstanceOutput struct {
	InstanceID     string        `json:"instance_id" jsonschema:"Instance ID"`
	DefinitionCode string        `json:"definition_code" jsonschema:"Definition code"`
	BusinessKey    string        `json:"business_key,omitempty" jsonschema:"Business key"`
	Status         string        `json:"status" jsonschema:"Running, Suspended, Completed, Terminated or Faulted"`
	CurrentNode    string        `json:"current_node,omitempty" jsonschema:"Activity the instance waits on"`
	StartedAt      string        `json:"started_at" jsonschema:"Start time in RFC3339 format"`
	EndedAt        string        `json:"ended_at,omitempty" jsonschema:"End time in RFC3339 format"`
	Fault          string        `json:"fault,omitempty" jsonschema:"Fault description of a faulted instance"`
	Tasks          []TaskSummary `json:"tasks,omitempty" jsonschema:"Open tasks of the instance"`
}

// StatusInput is the input of process_status.
type StatusInput struct {
	InstanceID string `json:"instance_id" jsonschema:"Instance ID to inspect"`
}

// TaskSummary describes a task.
type TaskSummary struct {
	TaskID     string `json:"task_id" jsonschema:"Task ID"`
	InstanceID string `json:"instance_id" jsonschema:"Instance the task belongs to"`
	Name       string `json:"name" jsonschema:"Task name"`
	Assignee   string `json:"assignee,omitempty" jsonschema:"Assigned user"`
	Status     string `json:"status" jsonschema:"Task status"`
	Overdue    bool   `json:"overdue,omitempty" jsonschema:"Whether the due time has passed"`
}

// ListTasksInput is the input of list_tasks.
type ListTasksInput struct {
	Assignee   string `json:"assignee,omitempty" jsonschema:"Only tasks of this user"`
	InstanceID string `json:"instance_id,omitempty" jsonschema:"Only tasks of this instance"`
	Limit      int    `json:"limit,omitempty" jsonschema:"Maximum number of tasks"`
}

// ListTasksOutput is the output of list_tasks.
type ListTasksOutput struct {
	Tasks []TaskSummary `json:"tasks" jsonschema:"Open tasks"`
}

// CompleteInput is the input of complete_task.
type CompleteInput struct {
	TaskID    string         `json:"task_id" jsonschema:"Task to complete"`
	Operator  string         `json:"operator,omitempty" jsonschema:"User completing the task"`
	Comment   string         `json:"comment,omitempty" jsonschema:"Comment recorded in the history"`
	Variables map[string]any `json:"variables,omitempty" jsonschema:"Variables set on completion"`
}

// SignalInput is the input of signal.
type SignalInput struct {
	CorrelationID string         `json:"correlation_id" jsonschema:"Correlation the waiting instance is bound to"`
	Data          map[string]any `json:"data,omitempty" jsonschema:"Message payload"`
}

// AckOutput acknowledges an action.
type AckOutput struct {
	Success bool   `json:"success" jsonschema:"Whether the action was applied"`
	Message string `json:"message" jsonschema:"Status message"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "start_process",
		Description: "Start a new instance of a published workflow definition",
	}, s.startProcess)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "process_status",
		Description: "Get the status and open tasks of a workflow instance",
	}, s.processStatus)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List open workflow tasks",
	}, s.listTasks)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "complete_task",
		Description: "Complete a workflow task and let the instance continue",
	}, s.completeTask)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "signal",
		Description: "Deliver a message to the instance waiting on a correlation",
	}, s.signal)
}

// toolError keeps the error code visible to the assistant.
func toolError(err error) error {
	return fmt.Errorf("%s: %w", leanflow.CodeOf(err), err)
}

func (s *Server) operator(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if s.config.operator != "" {
		return s.config.operator, nil
	}
	return "", fmt.Errorf("%s: operator is required", leanflow.CodeInvalidArgument)
}

func (s *Server) startProcess(ctx context.Context, _ *mcp.CallToolRequest, in StartInput) (*mcp.CallToolResult, InstanceOutput, error) {
	initiator, err := s.operator(in.Initiator)
	if err != nil {
		return nil, InstanceOutput{}, err
	}
	inst, err := s.app.StartProcess(ctx, leanflow.StartRequest{
		DefinitionCode: in.DefinitionCode,
		BusinessKey:    in.BusinessKey,
		Title:          in.Title,
		Initiator:      initiator,
		Variables:      in.Variables,
	})
	if err != nil {
		return nil, InstanceOutput{}, toolError(err)
	}
	return nil, s.describe(ctx, inst), nil
}

func (s *Server) processStatus(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, InstanceOutput, error) {
	inst, err := s.app.GetProcessStatus(ctx, in.InstanceID)
	if err != nil {
		return nil, InstanceOutput{}, toolError(err)
	}
	return nil, s.describe(ctx, inst), nil
}

func (s *Server) listTasks(ctx context.Context, _ *mcp.CallToolRequest, in ListTasksInput) (*mcp.CallToolResult, ListTasksOutput, error) {
	tasks, err := s.app.ListTasks(ctx, leanflow.TaskFilter{
		AssigneeID: in.Assignee,
		InstanceID: in.InstanceID,
		Limit:      in.Limit,
	})
	if err != nil {
		return nil, ListTasksOutput{}, toolError(err)
	}
	return nil, ListTasksOutput{Tasks: summarize(tasks)}, nil
}

func (s *Server) completeTask(ctx context.Context, _ *mcp.CallToolRequest, in CompleteInput) (*mcp.CallToolResult, AckOutput, error) {
	operator, err := s.operator(in.Operator)
	if err != nil {
		return nil, AckOutput{}, err
	}
	if _, err := s.app.CompleteTask(ctx, in.TaskID, operator, in.Comment, in.Variables, nil); err != nil {
		return nil, AckOutput{}, toolError(err)
	}
	return nil, AckOutput{Success: true, Message: "task completed"}, nil
}

func (s *Server) signal(ctx context.Context, _ *mcp.CallToolRequest, in SignalInput) (*mcp.CallToolResult, AckOutput, error) {
	if err := s.app.Signal(ctx, in.CorrelationID, in.Data); err != nil {
		return nil, AckOutput{}, toolError(err)
	}
	return nil, AckOutput{Success: true, Message: "signal delivered"}, nil
}

func (s *Server) describe(ctx context.Context, inst *leanflow.WorkflowInstance) InstanceOutput {
	out := InstanceOutput{
		InstanceID:     inst.ID,
		DefinitionCode: inst.DefinitionCode,
		BusinessKey:    inst.BusinessKey,
		Status:         string(inst.Status),
		StartedAt:      inst.StartTime.Format(time.RFC3339),
		Fault:          inst.FaultInfo,
	}
	if inst.CurrentNodeID != nil {
		out.CurrentNode = *inst.CurrentNodeID
	}
	if inst.EndTime != nil {
		out.EndedAt = inst.EndTime.Format(time.RFC3339)
	}
	if tasks, err := s.app.GetCurrentTasks(ctx, inst.ID); err == nil {
		out.Tasks = summarize(tasks)
	}
	return out
}

func summarize(tasks []*leanflow.WorkflowTask) []TaskSummary {
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		sum := TaskSummary{
			TaskID:     t.ID,
			InstanceID: t.InstanceID,
			Name:       t.Name,
			Status:     string(t.Status),
			Overdue:    t.IsTimeout,
		}
		if t.AssigneeID != nil {
			sum.Assignee = *t.AssigneeID
		}
		out = append(out, sum)
	}
	return out
}
