package process

import (
	"context"
	"fmt"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// DefinitionResolver resolves the latest version of a named Process
// Definition; satisfied by internal/persistence.ProcessDefinitionStore.
type DefinitionResolver interface {
	GetLatest(ctx context.Context, name string) (*domain.ProcessDefinition, error)
}

// SelfSubProcessRunner drives a sub_process step by recursively
// invoking the same Engine against the latest version of the named
// definition, blocking until the nested run terminates. The Engine
// needs a SubProcessRunner at construction time, and this runner needs
// the Engine to recurse into StartRun, so wiring is two-phase: build
// with NewSelfSubProcessRunner, pass to process.New, then call Bind
// with the resulting Engine.
type SelfSubProcessRunner struct {
	engine   *Engine
	resolver DefinitionResolver
}

// NewSelfSubProcessRunner builds a runner; call Bind before first use.
func NewSelfSubProcessRunner(resolver DefinitionResolver) *SelfSubProcessRunner {
	return &SelfSubProcessRunner{resolver: resolver}
}

// Bind wires the owning Engine once it exists.
func (r *SelfSubProcessRunner) Bind(engine *Engine) {
	r.engine = engine
}

// RunSubProcess resolves name's latest version and runs it to
// completion, returning its output binding.
func (r *SelfSubProcessRunner) RunSubProcess(ctx context.Context, name string, inputs map[string]any) (map[string]any, error) {
	def, err := r.resolver.GetLatest(ctx, name)
	if err != nil {
		return nil, err
	}
	run, err := r.engine.StartRun(ctx, def.Name, def.Version, inputs)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusSucceeded {
		return nil, fmt.Errorf("sub-process %s ended in status %s", name, run.Status)
	}
	return run.Outputs, nil
}
