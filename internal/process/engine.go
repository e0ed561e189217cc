// Package process implements the Process Engine (C11): it executes a
// Process Definition's DAG of typed steps against a set of inputs,
// interpolating {{input.*}} / {{steps.*.output.*}} references, gating
// concurrent step execution on dependency completion, and applying the
// failure/cancellation rules from spec.md §4.5.
package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-controlplane/trinity/internal/common/logger"
	"github.com/trinity-controlplane/trinity/internal/domain"
)

// RunStore persists Process Runs.
type RunStore interface {
	Create(ctx context.Context, run *domain.ProcessRun) error
	Update(ctx context.Context, run *domain.ProcessRun) error
}

// DefinitionStore resolves a named, versioned Process Definition.
type DefinitionStore interface {
	Get(ctx context.Context, name string, version int) (*domain.ProcessDefinition, error)
}

// AgentTaskRunner drives an agent_task step: enqueue a rendered message
// against the callee agent and block (up to the step's timeout) for its
// response, captured as the step's output.
type AgentTaskRunner interface {
	RunAndAwait(ctx context.Context, agentName, message string, timeout time.Duration) (map[string]any, error)
	ForceRelease(ctx context.Context, agentName string) error
}

// ApprovalGateway drives a human_approval step: emit a pending-approval
// record and return a channel the engine selects on alongside the
// step's timeout.
type ApprovalGateway interface {
	RequestApproval(ctx context.Context, runID, stepID string, approvers []string) (<-chan bool, error)
	CancelApproval(ctx context.Context, runID, stepID string)
}

// NotificationSender drives a notification step: fire-and-forget, never
// blocks subsequent steps.
type NotificationSender interface {
	Send(ctx context.Context, channel, rendered string) error
}

// SubProcessRunner drives a sub_process step by invoking another run to
// completion and returning its outputs.
type SubProcessRunner interface {
	RunSubProcess(ctx context.Context, name string, inputs map[string]any) (map[string]any, error)
}

// Engine executes Process Definitions.
type Engine struct {
	runs        RunStore
	definitions DefinitionStore
	agentTasks  AgentTaskRunner
	approvals   ApprovalGateway
	notifier    NotificationSender
	subProcess  SubProcessRunner
	logger      *logger.Logger
}

// New builds an Engine. Any collaborator may be nil if the corresponding
// step type is never exercised by the caller's definitions.
func New(runs RunStore, definitions DefinitionStore, agentTasks AgentTaskRunner, approvals ApprovalGateway, notifier NotificationSender, subProcess SubProcessRunner, log *logger.Logger) *Engine {
	return &Engine{
		runs:        runs,
		definitions: definitions,
		agentTasks:  agentTasks,
		approvals:   approvals,
		notifier:    notifier,
		subProcess:  subProcess,
		logger:      log.WithFields(zap.String("component", "process")),
	}
}

// StartRun resolves the named definition and executes it to completion,
// blocking the caller. Callers that want an async run should invoke
// this from their own goroutine.
func (e *Engine) StartRun(ctx context.Context, definitionName string, version int, inputs map[string]any) (*domain.ProcessRun, error) {
	def, err := e.definitions.Get(ctx, definitionName, version)
	if err != nil {
		return nil, fmt.Errorf("resolve process definition %s@%d: %w", definitionName, version, err)
	}

	run := &domain.ProcessRun{
		ID:             fmt.Sprintf("%s-%d", definitionName, time.Now().UnixNano()),
		DefinitionName: def.Name,
		DefinitionVer:  def.Version,
		Inputs:         inputs,
		StepStates:     make(map[string]*domain.StepState),
		Status:         domain.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
	}
	for _, step := range def.Steps {
		run.StepStates[step.ID] = &domain.StepState{StepID: step.ID, Status: domain.StepRunPending}
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("persist process run: %w", err)
	}

	e.execute(ctx, def, run)
	return run, nil
}

type runExecution struct {
	mu   sync.Mutex
	def  *domain.ProcessDefinition
	run  *domain.ProcessRun
	wg   sync.WaitGroup
	done chan struct{}
}

func (e *Engine) execute(ctx context.Context, def *domain.ProcessDefinition, run *domain.ProcessRun) {
	stepsByID := make(map[string]domain.ProcessStep, len(def.Steps))
	for _, s := range def.Steps {
		stepsByID[s.ID] = s
	}

	exec := &runExecution{def: def, run: run, done: make(chan struct{}, 1)}

	var launch func()
	launch = func() {
		exec.mu.Lock()
		e.skipBlockedSteps(def, run)
		eligible := e.eligibleSteps(def, run)
		for _, step := range eligible {
			run.StepStates[step.ID].Status = domain.StepRunRunning
			now := time.Now().UTC()
			run.StepStates[step.ID].StartedAt = &now
			exec.wg.Add(1)
			go func(step domain.ProcessStep) {
				defer exec.wg.Done()
				e.runStep(ctx, run, step)
				select {
				case exec.done <- struct{}{}:
				default:
				}
			}(step)
		}
		exec.mu.Unlock()
	}

	launch()
	for !e.runTerminated(def, run) {
		select {
		case <-exec.done:
			if err := e.runs.Update(ctx, run); err != nil {
				e.logger.Error("persist run progress failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			launch()
		case <-ctx.Done():
			e.cancelRun(context.Background(), def, run)
			exec.wg.Wait()
			run.Status = domain.RunStatusCancelled
			ended := time.Now().UTC()
			run.EndedAt = &ended
			_ = e.runs.Update(context.Background(), run)
			return
		}
	}
	exec.wg.Wait()

	run.Status = e.finalStatus(def, run)
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Outputs = e.collectOutputs(def, run)
	if err := e.runs.Update(ctx, run); err != nil {
		e.logger.Error("persist final run state failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// eligibleSteps returns pending steps whose dependencies have all
// terminated non-skipping and whose gating predicate (if a gateway
// upstream) resolves true.
func (e *Engine) eligibleSteps(def *domain.ProcessDefinition, run *domain.ProcessRun) []domain.ProcessStep {
	var out []domain.ProcessStep
	for _, step := range def.Steps {
		state := run.StepStates[step.ID]
		if state.Status != domain.StepRunPending {
			continue
		}
		if !e.dependenciesSatisfied(def, run, step) {
			continue
		}
		out = append(out, step)
	}
	return out
}

func (e *Engine) dependenciesSatisfied(def *domain.ProcessDefinition, run *domain.ProcessRun, step domain.ProcessStep) bool {
	for _, depID := range step.DependsOn {
		depState := run.StepStates[depID]
		if depState == nil {
			return false
		}
		switch depState.Status {
		case domain.StepRunSucceeded:
			// satisfied; check gateway gating below
		case domain.StepRunSkipped, domain.StepRunFailed, domain.StepRunCancelled:
			return false
		default:
			return false // still pending/running/awaiting
		}

		if dep, ok := findStep(def, depID); ok && dep.Type == domain.StepTypeGateway {
			if !GatewayTruthy(dep.GatewayExpr, run.Inputs, run.StepStates) {
				return false
			}
		}
	}
	return true
}

// skipBlockedSteps marks Pending steps that can never become eligible as
// Skipped: steps depending on a Skipped/Failed/Cancelled step, or on a
// gateway whose expression resolved false. It loops to a fixed point so a
// false gateway cascades through its whole downstream subtree in one pass,
// letting runTerminated observe a run with no step stuck Pending forever.
func (e *Engine) skipBlockedSteps(def *domain.ProcessDefinition, run *domain.ProcessRun) {
	for {
		changed := false
		for _, step := range def.Steps {
			state := run.StepStates[step.ID]
			if state.Status != domain.StepRunPending {
				continue
			}
			if !e.permanentlyBlocked(def, run, step) {
				continue
			}
			state.Status = domain.StepRunSkipped
			now := time.Now().UTC()
			state.EndedAt = &now
			changed = true
		}
		if !changed {
			return
		}
	}
}

// permanentlyBlocked reports whether step can never become eligible given
// the current (terminal) state of its dependencies.
func (e *Engine) permanentlyBlocked(def *domain.ProcessDefinition, run *domain.ProcessRun, step domain.ProcessStep) bool {
	for _, depID := range step.DependsOn {
		depState := run.StepStates[depID]
		if depState == nil {
			continue
		}
		switch depState.Status {
		case domain.StepRunSkipped, domain.StepRunFailed, domain.StepRunCancelled:
			return true
		case domain.StepRunSucceeded:
			if dep, ok := findStep(def, depID); ok && dep.Type == domain.StepTypeGateway {
				if !GatewayTruthy(dep.GatewayExpr, run.Inputs, run.StepStates) {
					return true
				}
			}
		}
	}
	return false
}

func findStep(def *domain.ProcessDefinition, id string) (domain.ProcessStep, bool) {
	for _, s := range def.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return domain.ProcessStep{}, false
}

func (e *Engine) runStep(ctx context.Context, run *domain.ProcessRun, step domain.ProcessStep) {
	state := run.StepStates[step.ID]
	defer func() {
		now := time.Now().UTC()
		state.EndedAt = &now
	}()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch step.Type {
	case domain.StepTypeAgentTask:
		err = e.runAgentTask(stepCtx, run, step, state)
	case domain.StepTypeHumanApproval:
		err = e.runHumanApproval(ctx, run, step, state)
	case domain.StepTypeGateway:
		state.Status = domain.StepRunSucceeded
	case domain.StepTypeNotification:
		err = e.runNotification(stepCtx, run, step, state)
	case domain.StepTypeSubProcess:
		err = e.runSubProcess(stepCtx, run, step, state)
	default:
		err = fmt.Errorf("unknown step type %q", step.Type)
	}

	if err != nil {
		state.Error = err.Error()
		if step.ContinueOnFailure {
			state.Status = domain.StepRunSkipped
		} else {
			state.Status = domain.StepRunFailed
		}
	}
}

func (e *Engine) runAgentTask(ctx context.Context, run *domain.ProcessRun, step domain.ProcessStep, state *domain.StepState) error {
	message := Interpolate(step.MessageTemplate, run.Inputs, run.StepStates)
	output, err := e.agentTasks.RunAndAwait(ctx, step.Executor, message, step.Timeout)
	if err != nil {
		return err
	}
	state.Output = output
	state.Status = domain.StepRunSucceeded
	return nil
}

func (e *Engine) runHumanApproval(ctx context.Context, run *domain.ProcessRun, step domain.ProcessStep, state *domain.StepState) error {
	state.Status = domain.StepRunAwaiting
	decision, err := e.approvals.RequestApproval(ctx, run.ID, step.ID, step.Approvers)
	if err != nil {
		return err
	}

	timeout := time.Duration(step.TimeoutHours * float64(time.Hour))
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	select {
	case approved, ok := <-decision:
		if !ok || !approved {
			return fmt.Errorf("approval rejected")
		}
		state.Status = domain.StepRunSucceeded
		return nil
	case <-time.After(timeout):
		e.approvals.CancelApproval(ctx, run.ID, step.ID)
		return fmt.Errorf("approval timed out, auto-rejected")
	case <-ctx.Done():
		e.approvals.CancelApproval(ctx, run.ID, step.ID)
		return ctx.Err()
	}
}

func (e *Engine) runNotification(ctx context.Context, run *domain.ProcessRun, step domain.ProcessStep, state *domain.StepState) error {
	rendered := Interpolate(step.MessageTemplate, run.Inputs, run.StepStates)
	// Notification never blocks the run: failures are logged, not
	// surfaced as a step failure, per spec.md §4.5.
	if err := e.notifier.Send(ctx, step.Executor, rendered); err != nil {
		e.logger.Warn("notification delivery failed", zap.String("run_id", run.ID), zap.String("step_id", step.ID), zap.Error(err))
	}
	state.Status = domain.StepRunSucceeded
	return nil
}

func (e *Engine) runSubProcess(ctx context.Context, run *domain.ProcessRun, step domain.ProcessStep, state *domain.StepState) error {
	inputs := make(map[string]any, len(step.InputMapping))
	for key, path := range step.InputMapping {
		inputs[key] = Interpolate(path, run.Inputs, run.StepStates)
	}
	outputs, err := e.subProcess.RunSubProcess(ctx, step.SubProcessRef, inputs)
	if err != nil {
		return err
	}
	state.Output = outputs
	state.Status = domain.StepRunSucceeded
	return nil
}

func (e *Engine) runTerminated(def *domain.ProcessDefinition, run *domain.ProcessRun) bool {
	for _, step := range def.Steps {
		switch run.StepStates[step.ID].Status {
		case domain.StepRunPending, domain.StepRunRunning, domain.StepRunAwaiting:
			return false
		}
	}
	return true
}

func (e *Engine) finalStatus(def *domain.ProcessDefinition, run *domain.ProcessRun) domain.RunStatus {
	for _, step := range def.Steps {
		if run.StepStates[step.ID].Status == domain.StepRunFailed {
			return domain.RunStatusFailed
		}
	}
	return domain.RunStatusSucceeded
}

func (e *Engine) collectOutputs(def *domain.ProcessDefinition, run *domain.ProcessRun) map[string]any {
	outputs := make(map[string]any, len(def.OutputBinding))
	for key, path := range def.OutputBinding {
		if val, ok := resolvePath(path, run.Inputs, run.StepStates); ok {
			outputs[key] = val
		}
	}
	return outputs
}

// cancelRun marks every pending step cancelled, every in-flight
// agent_task step's agent force-released, and every awaiting
// human_approval step cancelled, per spec.md §4.5's cancellation rule.
func (e *Engine) cancelRun(ctx context.Context, def *domain.ProcessDefinition, run *domain.ProcessRun) {
	for _, step := range def.Steps {
		state := run.StepStates[step.ID]
		switch state.Status {
		case domain.StepRunPending:
			state.Status = domain.StepRunCancelled
		case domain.StepRunRunning:
			if step.Type == domain.StepTypeAgentTask && e.agentTasks != nil {
				if err := e.agentTasks.ForceRelease(ctx, step.Executor); err != nil {
					e.logger.Warn("force release on cancel failed", zap.String("agent", step.Executor), zap.Error(err))
				}
			}
		case domain.StepRunAwaiting:
			if e.approvals != nil {
				e.approvals.CancelApproval(ctx, run.ID, step.ID)
			}
			state.Status = domain.StepRunCancelled
		}
	}
}
