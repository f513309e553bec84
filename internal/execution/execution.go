// Package execution runs one approved tool invocation: it verifies the
// request against the frozen plan, enforces the risk-tier confirmation
// policy, and records the run as an immutable audit row.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/localflowhq/localflow/internal/canon"
	"github.com/localflowhq/localflow/internal/domain"
	"github.com/localflowhq/localflow/internal/storage"
	"github.com/localflowhq/localflow/internal/tools"
)

var executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "localflow_tool_executions_total",
	Help: "Tool executions by tool name and final status.",
}, []string{"tool", "status"})

// Confirmation is the user's explicit consent payload for medium and
// high-risk tools.
type Confirmation struct {
	ApprovedActions []string `json:"approved_actions"`
	AllowHighRisk   bool     `json:"allow_high_risk"`
}

// Service executes tools against approvals.
type Service struct {
	stores   storage.StoreSet
	registry *tools.Registry
	sem      chan struct{}
	logger   *slog.Logger
}

// NewService wires the execution service. maxWorkers bounds concurrent
// tool runs across all requests.
func NewService(stores storage.StoreSet, registry *tools.Registry, maxWorkers int, logger *slog.Logger) *Service {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stores:   stores,
		registry: registry,
		sem:      make(chan struct{}, maxWorkers),
		logger:   logger,
	}
}

// Execute validates the request against the approval's frozen state and,
// if every gate passes, runs the tool and returns the finished row.
func (s *Service) Execute(ctx context.Context, approvalID, toolName string, toolInput map[string]any, confirmation *Confirmation) (*domain.Execution, error) {
	approval, err := s.stores.Approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	draft, err := s.stores.Drafts.Get(ctx, approval.DraftID)
	if err != nil {
		return nil, err
	}

	if canon.HashText(draft.Content) != approval.DraftHash {
		return nil, domain.Conflict("Draft content changed since approval")
	}

	plan, planHash, err := s.currentPlan(ctx, draft.ID)
	if err != nil {
		return nil, err
	}
	if !hashesEqual(planHash, approval.ToolPlanHash) {
		return nil, domain.Conflict("Tool plan changed since approval")
	}

	if toolInput == nil {
		toolInput = map[string]any{}
	}
	if err := checkPlanBinding(plan, toolName, toolInput); err != nil {
		return nil, err
	}

	tool, err := s.registry.Get(toolName)
	if err != nil {
		return nil, err
	}
	if err := checkRiskPolicy(tool.Risk(), toolInput, confirmation); err != nil {
		return nil, err
	}
	if err := s.registry.Validate(toolName, toolInput); err != nil {
		return nil, err
	}

	// All gates passed; reserve a worker before writing the RUNNING row
	// so a cancelled wait leaves no orphan.
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startedWall := time.Now().UTC()
	startMono := time.Now()

	inputCanonical, err := canon.Canonicalize(toolInput)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("canonicalise tool input: %w", err)
	}
	request := map[string]any{
		"tool_input":      toolInput,
		"confirmation":    confirmation,
		"tool_input_hash": canon.HashBytes(inputCanonical),
		"started_at":      startedWall.Format(time.RFC3339Nano),
	}
	requestJSON, err := canon.Canonicalize(request)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("canonicalise request: %w", err)
	}

	exe := &domain.Execution{
		ID:          uuid.NewString(),
		ApprovalID:  approval.ID,
		ToolName:    toolName,
		RequestJSON: string(requestJSON),
		ResultJSON:  "{}",
		Status:      domain.ExecutionStatusRunning,
	}
	if err := s.stores.Executions.Create(ctx, exe); err != nil {
		<-s.sem
		return nil, err
	}

	type runResult struct {
		output map[string]any
		err    error
	}
	resCh := make(chan runResult, 1)
	go func() {
		defer func() { <-s.sem }()
		output, runErr := runSafely(ctx, tool, toolInput)
		resCh <- runResult{output: output, err: runErr}
	}()

	finalize := func(output map[string]any, runErr error) (*domain.Execution, error) {
		finishedWall := time.Now().UTC()
		meta := map[string]any{
			"started_at":  startedWall.Format(time.RFC3339Nano),
			"finished_at": finishedWall.Format(time.RFC3339Nano),
			"duration_ms": time.Since(startMono).Milliseconds(),
		}
		result := map[string]any{"output": output, "error": nil, "meta": meta}
		if runErr != nil {
			result["output"] = nil
			result["error"] = runErr.Error()
			exe.Status = domain.ExecutionStatusFailed
		} else {
			exe.Status = domain.ExecutionStatusSucceeded
		}
		resultJSON, err := canon.Canonicalize(result)
		if err != nil {
			return nil, fmt.Errorf("canonicalise result: %w", err)
		}
		exe.ResultJSON = string(resultJSON)

		// The terminal write must land even when the request is gone.
		if err := s.stores.Executions.Update(context.WithoutCancel(ctx), exe); err != nil {
			return nil, err
		}
		executionsTotal.WithLabelValues(toolName, string(exe.Status)).Inc()
		s.logger.Info("tool execution finished",
			"execution_id", exe.ID, "tool", toolName, "status", exe.Status,
			"duration_ms", meta["duration_ms"])
		return exe, nil
	}

	select {
	case r := <-resCh:
		return finalize(r.output, r.err)
	case <-ctx.Done():
		// The tool may still be running; its late result is discarded and
		// the row is finalised as FAILED so it never stays RUNNING.
		return finalize(nil, fmt.Errorf("execution cancelled: %v", ctx.Err()))
	}
}

func runSafely(ctx context.Context, tool tools.Tool, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Run(ctx, input)
}

func (s *Service) currentPlan(ctx context.Context, draftID string) (*domain.ToolPlan, *string, error) {
	plan, err := s.stores.ToolPlans.GetByDraft(ctx, draftID)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	h := plan.ContentHash
	return plan, &h, nil
}

func hashesEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// checkPlanBinding requires tool_input to match, canonically, the params
// of a frozen action for this tool. Without a plan only the empty input
// is executable.
func checkPlanBinding(plan *domain.ToolPlan, toolName string, toolInput map[string]any) error {
	if plan == nil {
		if len(toolInput) == 0 {
			return nil
		}
		return domain.Conflict("Tool input not approved by locked tool plan")
	}

	var frozen struct {
		Actions []struct {
			Tool   string         `json:"tool"`
			Params map[string]any `json:"params"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(plan.JSONCanonical), &frozen); err != nil {
		return fmt.Errorf("decode frozen plan: %w", err)
	}

	for _, action := range frozen.Actions {
		if action.Tool != toolName {
			continue
		}
		params := action.Params
		if params == nil {
			params = map[string]any{}
		}
		if equal, err := canon.Equal(toolInput, params); err == nil && equal {
			return nil
		}
	}
	return domain.Conflict("Tool input not approved by locked tool plan")
}

// checkRiskPolicy enforces the confirmation requirements per risk tier.
func checkRiskPolicy(risk tools.Risk, toolInput map[string]any, confirmation *Confirmation) error {
	if risk == tools.RiskLow {
		return nil
	}
	if confirmation == nil {
		return domain.Conflict("Confirmation payload is required for medium/high-risk tools")
	}

	if ids, ok := actionIDs(toolInput); ok {
		approved := make(map[string]bool, len(confirmation.ApprovedActions))
		for _, id := range confirmation.ApprovedActions {
			approved[id] = true
		}
		for _, id := range ids {
			if !approved[id] {
				return domain.Conflict(fmt.Sprintf("Action %q is not approved by the confirmation payload", id))
			}
		}
	}

	if risk == tools.RiskHigh && !confirmation.AllowHighRisk {
		return domain.Conflict("High-risk tool requires confirmation.allow_high_risk=true")
	}
	return nil
}

// actionIDs extracts the string ids of tool_input.actions; ok is false
// when the input carries no such array of id-bearing actions.
func actionIDs(toolInput map[string]any) ([]string, bool) {
	raw, ok := toolInput["actions"].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := obj["id"].(string)
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
