package process

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

func TestInterpolateInputPath(t *testing.T) {
	inputs := map[string]any{"ticket": map[string]any{"title": "disk full"}}
	out := Interpolate("subject: {{input.ticket.title}}", inputs, nil)
	require.Equal(t, "subject: disk full", out)
}

func TestInterpolateStepsOutputPath(t *testing.T) {
	steps := map[string]*domain.StepState{
		"triage": {StepID: "triage", Output: map[string]any{"severity": "high"}},
	}
	out := Interpolate("severity={{steps.triage.output.severity}}", nil, steps)
	require.Equal(t, "severity=high", out)
}

func TestInterpolateUnresolvedReferenceRendersEmpty(t *testing.T) {
	out := Interpolate("value={{input.missing.path}}", map[string]any{}, nil)
	require.Equal(t, "value=", out)
}

func TestInterpolateNumericIndexTraversal(t *testing.T) {
	inputs := map[string]any{"items": []any{
		map[string]any{"name": "first"},
		map[string]any{"name": "second"},
	}}
	out := Interpolate("{{input.items.1.name}}", inputs, nil)
	require.Equal(t, "second", out)
}

func TestInterpolateMultipleReferencesInOneTemplate(t *testing.T) {
	inputs := map[string]any{"a": "1"}
	steps := map[string]*domain.StepState{"s": {Output: map[string]any{"b": "2"}}}
	out := Interpolate("{{input.a}}-{{steps.s.output.b}}", inputs, steps)
	require.Equal(t, "1-2", out)
}

func TestInterpolateUnknownStepIDRendersEmpty(t *testing.T) {
	out := Interpolate("{{steps.ghost.output.x}}", nil, map[string]*domain.StepState{})
	require.Equal(t, "", out)
}

func TestGatewayTruthyTrue(t *testing.T) {
	steps := map[string]*domain.StepState{"check": {Output: map[string]any{"ok": "true"}}}
	require.True(t, GatewayTruthy("{{steps.check.output.ok}}", nil, steps))
}

func TestGatewayTruthyFalseValues(t *testing.T) {
	steps := map[string]*domain.StepState{"check": {Output: map[string]any{"ok": "false"}}}
	require.False(t, GatewayTruthy("{{steps.check.output.ok}}", nil, steps))

	zero := map[string]*domain.StepState{"check": {Output: map[string]any{"count": "0"}}}
	require.False(t, GatewayTruthy("{{steps.check.output.count}}", nil, zero))

	require.False(t, GatewayTruthy("{{input.missing}}", map[string]any{}, nil))
}
