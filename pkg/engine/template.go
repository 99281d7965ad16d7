package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Mindburn-Labs/capstan/pkg/contracts"
)

var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_][A-Za-z0-9_.-]*)\s*\}\}`)

// resolveInputs substitutes {{step.output}} references in a step's inputs
// against the outputs of previously completed steps. A string that is
// exactly one reference keeps the referenced value's type; a reference
// embedded in a longer string is stringified in place. Maps and slices are
// resolved recursively. A reference to an output that does not exist fails
// the resolution.
func resolveInputs(stepName string, inputs map[string]any, outputs map[string]any) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(inputs))
	for k, v := range inputs {
		rv, err := resolveValue(stepName, v, outputs)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

func resolveValue(stepName string, v any, outputs map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(stepName, val, outputs)
	case map[string]any:
		return resolveInputs(stepName, val, outputs)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := resolveValue(stepName, item, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(stepName, s string, outputs map[string]any) (any, error) {
	matches := templateRef.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Exactly one reference spanning the whole string: pass the value
	// through untouched so non-string outputs survive.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := s[matches[0][2]:matches[0][3]]
		val, ok := outputs[ref]
		if !ok {
			return nil, &contracts.TemplateResolutionError{StepName: stepName, Reference: ref}
		}
		return val, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		ref := s[m[2]:m[3]]
		val, ok := outputs[ref]
		if !ok {
			return nil, &contracts.TemplateResolutionError{StepName: stepName, Reference: ref}
		}
		b.WriteString(s[last:m[0]])
		b.WriteString(fmt.Sprintf("%v", val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
