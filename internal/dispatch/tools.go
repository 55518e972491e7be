package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
)

// Remotely executed tools.
const (
	ToolExecuteCommand = "execute_command"
	ToolExecuteCode    = "execute_code"
	ToolExecuteSkill   = "execute_skill"
	ToolDelegateAgent  = "delegate_agent"
)

// ExecuteCommandInput runs a shell command on a worker.
type ExecuteCommandInput struct {
	Command string `json:"command" jsonschema:"required,minLength=1,description=Shell command to run"`
	Workdir string `json:"workdir,omitempty" jsonschema:"description=Directory inside the job sandbox"`
}

// ExecuteCodeInput runs a snippet through an interpreter on a worker.
type ExecuteCodeInput struct {
	Language string `json:"language" jsonschema:"required,enum=python,enum=javascript,enum=bash"`
	Code     string `json:"code" jsonschema:"required,minLength=1"`
}

// ExecuteSkillInput runs an installed skill on a worker.
type ExecuteSkillInput struct {
	SkillID string `json:"skillId" jsonschema:"required,minLength=1"`
	Input   string `json:"input,omitempty" jsonschema:"description=Text passed to the skill on stdin"`
}

// DelegateAgentInput hands a task to a sub-agent running on a worker.
type DelegateAgentInput struct {
	AgentID string `json:"agentId" jsonschema:"required,minLength=1"`
	Task    string `json:"task" jsonschema:"required,minLength=1"`
}

// RemoteTool is an agent.Tool whose execution happens on a worker.
type RemoteTool struct {
	name        string
	description string
	schema      json.RawMessage
	dispatcher  *Dispatcher
	// scopeText extracts the text that decides which secrets and files
	// travel with the job. Nil ships none.
	scopeText func(json.RawMessage) string
}

func (t *RemoteTool) Name() string            { return t.name }
func (t *RemoteTool) Description() string     { return t.description }
func (t *RemoteTool) Schema() json.RawMessage { return t.schema }

// Timeout lets the job wait run to the dispatch timeout instead of the
// executor's default.
func (t *RemoteTool) Timeout() time.Duration {
	return t.dispatcher.config.JobTimeout + 30*time.Second
}

func (t *RemoteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	queue, ok := QueueFor(t.name)
	if !ok {
		return nil, fmt.Errorf("no queue routed for %s", t.name)
	}
	info, _ := agent.CallInfoFromContext(ctx)
	payload := jobs.Payload{
		ToolCallID: info.ToolCallID,
		Input:      append(json.RawMessage(nil), params...),
		ChannelID:  info.ChannelID,
	}
	if t.scopeText != nil {
		t.dispatcher.Scope(&payload, t.scopeText(params))
	}
	result, err := t.dispatcher.EnqueueAndWait(ctx, queue, t.name, payload, 0)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: t.dispatcher.BridgeFiles(ctx, result)}, nil
}

// RemoteTools returns the tools routed to worker queues.
func (d *Dispatcher) RemoteTools() []agent.Tool {
	return []agent.Tool{
		&RemoteTool{
			name:        ToolExecuteCommand,
			description: "Run a shell command on a worker. Files it writes can be returned by listing them in _workerFiles.",
			schema:      agent.SchemaFor[ExecuteCommandInput](),
			dispatcher:  d,
			scopeText: func(raw json.RawMessage) string {
				in, _ := agent.DecodeInput[ExecuteCommandInput](raw)
				return in.Command
			},
		},
		&RemoteTool{
			name:        ToolExecuteCode,
			description: "Run python, javascript or bash code on a worker.",
			schema:      agent.SchemaFor[ExecuteCodeInput](),
			dispatcher:  d,
			scopeText: func(raw json.RawMessage) string {
				in, _ := agent.DecodeInput[ExecuteCodeInput](raw)
				return in.Code
			},
		},
		&RemoteTool{
			name:        ToolExecuteSkill,
			description: "Run an installed skill on a worker.",
			schema:      agent.SchemaFor[ExecuteSkillInput](),
			dispatcher:  d,
			scopeText: func(raw json.RawMessage) string {
				in, _ := agent.DecodeInput[ExecuteSkillInput](raw)
				return in.SkillID + "\n" + in.Input
			},
		},
		&RemoteTool{
			name:        ToolDelegateAgent,
			description: "Delegate a self-contained task to a sub-agent and return its answer.",
			schema:      agent.SchemaFor[DelegateAgentInput](),
			dispatcher:  d,
		},
	}
}

// JobRequest is one tagged job submission: the tool name selects the input
// schema.
type JobRequest struct {
	ToolName string         `json:"toolName" jsonschema:"required,enum=execute_command,enum=execute_code,enum=execute_skill,enum=delegate_agent"`
	Input    map[string]any `json:"input" jsonschema:"required"`
}

type submitParallelInput struct {
	Jobs []JobRequest `json:"jobs" jsonschema:"required,minItems=1,maxItems=16"`
}

type jobIDInput struct {
	JobID string `json:"jobId" jsonschema:"required,minLength=1"`
}

// JobOutcome is one entry of a parallel submission result.
type JobOutcome struct {
	ToolName string `json:"toolName"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// jobView is the part of a job record shown to the model. Payload secrets
// and file contents are never included.
type jobView struct {
	JobID      string      `json:"jobId"`
	ToolName   string      `json:"toolName"`
	Queue      string      `json:"queue"`
	Status     jobs.Status `json:"status"`
	Result     string      `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	WorkerID   string      `json:"workerId,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	FinishedAt *time.Time  `json:"finishedAt,omitempty"`
}

// MetaTools returns submit_job, submit_parallel_jobs, get_job and
// cancel_job. remote must hold the RemoteTools so submissions are validated
// against the target tool's schema before anything is enqueued.
func (d *Dispatcher) MetaTools(remote *agent.ToolRegistry) []agent.Tool {
	return []agent.Tool{
		&submitJobTool{dispatcher: d, remote: remote},
		&submitParallelTool{dispatcher: d, remote: remote},
		&getJobTool{dispatcher: d},
		&cancelJobTool{dispatcher: d},
	}
}

// runRequest validates and executes one request through the remote registry.
func runRequest(ctx context.Context, remote *agent.ToolRegistry, req JobRequest) (*agent.ToolResult, error) {
	if _, ok := QueueFor(req.ToolName); !ok {
		return &agent.ToolResult{Content: agent.ErrorJSON("not a job tool: " + req.ToolName), IsError: true}, nil
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	return remote.Execute(ctx, req.ToolName, input)
}

type submitJobTool struct {
	dispatcher *Dispatcher
	remote     *agent.ToolRegistry
}

func (t *submitJobTool) Name() string { return "submit_job" }

func (t *submitJobTool) Description() string {
	return "Run one job on a worker and wait for its result. toolName selects the job type and input must match that tool's schema."
}

func (t *submitJobTool) Schema() json.RawMessage { return agent.SchemaFor[JobRequest]() }

func (t *submitJobTool) Timeout() time.Duration {
	return t.dispatcher.config.JobTimeout + 30*time.Second
}

func (t *submitJobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	req, err := agent.DecodeInput[JobRequest](params)
	if err != nil {
		return nil, err
	}
	return runRequest(ctx, t.remote, req)
}

type submitParallelTool struct {
	dispatcher *Dispatcher
	remote     *agent.ToolRegistry
}

func (t *submitParallelTool) Name() string { return "submit_parallel_jobs" }

func (t *submitParallelTool) Description() string {
	return "Run several independent jobs concurrently and return every result in submission order. One failing job does not affect the others."
}

func (t *submitParallelTool) Schema() json.RawMessage { return agent.SchemaFor[submitParallelInput]() }

func (t *submitParallelTool) Timeout() time.Duration {
	return t.dispatcher.config.JobTimeout + 30*time.Second
}

func (t *submitParallelTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in, err := agent.DecodeInput[submitParallelInput](params)
	if err != nil {
		return nil, err
	}
	outcomes := t.dispatcher.RunParallel(ctx, in.Jobs, func(ctx context.Context, req JobRequest) (*agent.ToolResult, error) {
		return runRequest(ctx, t.remote, req)
	})
	data, err := json.Marshal(map[string]any{"results": outcomes})
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

// RunParallel runs every request concurrently and joins the outcomes in
// request order. Failures are recorded per entry.
func (d *Dispatcher) RunParallel(ctx context.Context, reqs []JobRequest, run func(context.Context, JobRequest) (*agent.ToolResult, error)) []JobOutcome {
	outcomes := make([]JobOutcome, len(reqs))
	done := make(chan struct{}, len(reqs))
	for i, req := range reqs {
		go func(i int, req JobRequest) {
			defer func() { done <- struct{}{} }()
			out := JobOutcome{ToolName: req.ToolName}
			defer func() {
				if r := recover(); r != nil {
					out.Error = fmt.Sprintf("job panicked: %v", r)
				}
				outcomes[i] = out
			}()
			res, err := run(ctx, req)
			switch {
			case err != nil:
				out.Error = err.Error()
			case res == nil:
				out.Error = "job returned no result"
			case res.IsError:
				out.Error = errorText(res.Content)
			default:
				out.Result = res.Content
			}
		}(i, req)
	}
	for range reqs {
		<-done
	}
	return outcomes
}

// errorText unwraps {"error": "..."} content.
func errorText(content string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(content), &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(content)
}

type getJobTool struct {
	dispatcher *Dispatcher
}

func (t *getJobTool) Name() string { return "get_job" }

func (t *getJobTool) Description() string { return "Fetch the status and result of a job by id." }

func (t *getJobTool) Schema() json.RawMessage { return agent.SchemaFor[jobIDInput]() }

func (t *getJobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in, err := agent.DecodeInput[jobIDInput](params)
	if err != nil {
		return nil, err
	}
	job, err := t.dispatcher.queue.Get(ctx, in.JobID)
	if err != nil {
		return &agent.ToolResult{Content: agent.ErrorJSON(err.Error()), IsError: true}, nil
	}
	view := jobView{
		JobID:     job.ID,
		ToolName:  job.ToolName,
		Queue:     job.Queue,
		Status:    job.Status,
		Result:    job.Result,
		Error:     job.Error,
		WorkerID:  job.WorkerID,
		CreatedAt: job.CreatedAt,
	}
	if !job.FinishedAt.IsZero() {
		finished := job.FinishedAt
		view.FinishedAt = &finished
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

type cancelJobTool struct {
	dispatcher *Dispatcher
}

func (t *cancelJobTool) Name() string { return "cancel_job" }

func (t *cancelJobTool) Description() string { return "Cancel a queued or running job by id." }

func (t *cancelJobTool) Schema() json.RawMessage { return agent.SchemaFor[jobIDInput]() }

func (t *cancelJobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in, err := agent.DecodeInput[jobIDInput](params)
	if err != nil {
		return nil, err
	}
	if err := t.dispatcher.queue.Cancel(ctx, in.JobID); err != nil {
		return &agent.ToolResult{Content: agent.ErrorJSON(err.Error()), IsError: true}, nil
	}
	job, err := t.dispatcher.queue.Get(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(map[string]any{"jobId": job.ID, "status": job.Status})
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(data)}, nil
}
