package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tarebo/maestro/model"
)

// payloadResolver resolves step payload template expressions against the
// sources available at dispatch time: the submitted request payload, the
// outputs of completed steps, and the requesting user.
type payloadResolver struct {
	request map[string]any
	wf      *model.Workflow
	userID  string
}

// resolve evaluates one template expression. Supported forms:
//   - request.field          value from the submitted payload
//   - request.address.city   nested field access
//   - steps.2.content        field from step 2's recorded output
//   - steps.2                step 2's whole output map
//   - user.id                the requesting user
//   - 'literal'              single-quoted literal string
//   - 123 / 99.99            numeric literal
func (r *payloadResolver) resolve(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	// Literal string: single-quoted.
	if len(expr) >= 2 && expr[0] == '\'' && expr[len(expr)-1] == '\'' {
		return expr[1 : len(expr)-1], nil
	}

	// Numeric literal.
	if isNumericLiteral(expr) {
		return parseNumeric(expr)
	}

	prefix, path, _ := strings.Cut(expr, ".")
	switch prefix {
	case "request":
		return r.resolveRequest(expr, path)
	case "steps":
		return r.resolveStep(expr, path)
	case "user":
		if path != "id" {
			return nil, fmt.Errorf("unknown user field %q in %q", path, expr)
		}
		return r.userID, nil
	default:
		return nil, fmt.Errorf("unknown expression prefix %q in %q", prefix, expr)
	}
}

// resolveRequest resolves a dotted path in the submitted payload.
func (r *payloadResolver) resolveRequest(expr, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid expression %q: empty path", expr)
	}
	val := navigatePath(r.request, path)
	if val == nil {
		return nil, fmt.Errorf("request field %q not found", path)
	}
	return val, nil
}

// resolveStep resolves steps.N or steps.N.path against recorded step outputs.
func (r *payloadResolver) resolveStep(expr, path string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid expression %q: missing step number", expr)
	}
	stepPart, rest, _ := strings.Cut(path, ".")
	stepNumber, err := strconv.Atoi(stepPart)
	if err != nil {
		return nil, fmt.Errorf("invalid step number %q in %q", stepPart, expr)
	}

	output := r.wf.StepOutput(stepNumber)
	if output == nil {
		return nil, fmt.Errorf("no output recorded for step %d", stepNumber)
	}
	if rest == "" {
		return output, nil
	}
	val := navigatePath(output, rest)
	if val == nil {
		return nil, fmt.Errorf("step %d output field %q not found", stepNumber, rest)
	}
	return val, nil
}

// buildStepPayload builds the task payload dispatched for a step. Steps with
// a payload template get each field resolved; steps without one get the
// default shape carrying the submitted payload and the outputs of the step's
// dependencies keyed by step number.
func buildStepPayload(req *model.Request, wf *model.Workflow, step model.WorkflowStepDefinition) (map[string]any, error) {
	if len(step.Payload) == 0 {
		payload := map[string]any{"request": req.Data}
		if len(step.DependsOn) > 0 {
			deps := make(map[string]any, len(step.DependsOn))
			for _, dep := range step.DependsOn {
				if out := wf.StepOutput(dep); out != nil {
					deps[strconv.Itoa(dep)] = out
				}
			}
			payload["dependencies"] = deps
		}
		return payload, nil
	}

	resolver := &payloadResolver{request: req.Data, wf: wf, userID: req.UserID}
	payload := make(map[string]any, len(step.Payload))
	for field, expr := range step.Payload {
		val, err := resolver.resolve(expr)
		if err != nil {
			return nil, fmt.Errorf("step %d payload field %q: %w", step.StepNumber, field, err)
		}
		payload[field] = val
	}
	return payload, nil
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// isNumericLiteral returns true if the string looks like a number.
func isNumericLiteral(s string) bool {
	if len(s) == 0 {
		return false
	}
	start := 0
	if s[0] == '-' || s[0] == '+' {
		start = 1
		if start >= len(s) {
			return false
		}
	}
	hasDot := false
	for i := start; i < len(s); i++ {
		if s[i] == '.' {
			if hasDot {
				return false
			}
			hasDot = true
		} else if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseNumeric parses a numeric string literal.
func parseNumeric(s string) (any, error) {
	if strings.ContainsRune(s, '.') {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric literal %q: %w", s, err)
	}
	return v, nil
}
