package process

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trinity-controlplane/trinity/internal/domain"
)

// interpolationPattern matches {{input.<path>}} and
// {{steps.<id>.output.<path>}}; no other expression forms are supported
// (spec.md §4.5's "no arbitrary expressions" constraint).
var interpolationPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate substitutes every {{...}} reference in template against
// inputs and the run's step outputs so far. References that don't
// resolve are left as an empty string.
func Interpolate(template string, inputs map[string]any, steps map[string]*domain.StepState) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := interpolationPattern.FindStringSubmatch(match)[1]
		val, ok := resolvePath(path, inputs, steps)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

func resolvePath(path string, inputs map[string]any, steps map[string]*domain.StepState) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, false
	}

	switch parts[0] {
	case "input":
		return walk(inputs, parts[1:])
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return nil, false
		}
		stepID := parts[1]
		state, ok := steps[stepID]
		if !ok || state.Output == nil {
			return nil, false
		}
		return walk(state.Output, parts[3:])
	default:
		return nil, false
	}
}

// walk descends a map[string]any by a dotted path, also accepting
// numeric path segments as slice indices.
func walk(value any, path []string) (any, bool) {
	current := value
	for _, segment := range path {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// GatewayTruthy evaluates a gateway step's boolean expression. Only a
// bare interpolation reference is supported, evaluated for truthiness
// (non-empty, non-"false", non-zero); spec.md §4.5 scopes gateway
// expressions to "prior outputs and inputs", not a general boolean
// grammar, so no expression parser is needed.
func GatewayTruthy(expr string, inputs map[string]any, steps map[string]*domain.StepState) bool {
	rendered := Interpolate(expr, inputs, steps)
	switch strings.ToLower(strings.TrimSpace(rendered)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
