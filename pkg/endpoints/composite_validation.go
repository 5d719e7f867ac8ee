package endpoints

import (
	"fmt"
	"strings"
)

// Template expression markers understood by composite steps. Anything that
// is not one of these forms is treated as a literal value.
const (
	// ExprGUID generates a fresh v4 UUID at execution time.
	ExprGUID = "$guid"
	// ExprPrevPrefix references a captured prior step result, e.g.
	// $prev.CreateLines.0.d.TransactionKey.
	ExprPrevPrefix = "$prev."
)

// ParsePrevRef splits a $prev expression into the referenced step name and
// the path into its captured result. The path may be empty, meaning the
// whole result. Returns false when expr is not a $prev expression.
func ParsePrevRef(expr string) (step, path string, ok bool) {
	if !strings.HasPrefix(expr, ExprPrevPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(expr, ExprPrevPrefix)
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, ".", 2)
	step = parts[0]
	if len(parts) == 2 {
		path = parts[1]
	}
	return step, path, true
}

// validateCompositeConfig checks a composite step plan at load time. Steps
// must have unique names, dependencies and $prev references may only point
// backwards in declaration order, and the dependency graph must be acyclic.
func validateCompositeConfig(cfg *CompositeConfig) error {
	stepIndices := make(map[string]int, len(cfg.Steps))

	// First pass: collect step names.
	for i, step := range cfg.Steps {
		if step.Name == "" {
			return fmt.Errorf("steps[%d].name is required", i)
		}
		if _, dup := stepIndices[step.Name]; dup {
			return fmt.Errorf("steps[%d].name %q is duplicated", i, step.Name)
		}
		stepIndices[step.Name] = i
	}

	// Second pass: validate each step.
	for i := range cfg.Steps {
		if err := validateStep(i, &cfg.Steps[i], stepIndices); err != nil {
			return err
		}
	}

	// Third pass: validate no dependency cycles.
	return validateDependencyCycles(cfg.Steps)
}

func validateStep(index int, step *Step, stepIndices map[string]int) error {
	if step.Endpoint == "" {
		return fmt.Errorf("steps[%d].endpoint is required", index)
	}

	if step.Method != "" {
		if _, ok := knownMethods[strings.ToUpper(step.Method)]; !ok {
			return fmt.Errorf("steps[%d].method %q is not supported", index, step.Method)
		}
	}

	if step.IsArray && step.ArrayProperty == "" {
		return fmt.Errorf("steps[%d].arrayProperty is required when isArray is set", index)
	}
	if !step.IsArray && step.ArrayProperty != "" {
		return fmt.Errorf("steps[%d].arrayProperty requires isArray", index)
	}

	if step.DependsOn != "" {
		depIndex, ok := stepIndices[step.DependsOn]
		if !ok {
			return fmt.Errorf("steps[%d].dependsOn references unknown step %q", index, step.DependsOn)
		}
		if depIndex >= index {
			return fmt.Errorf("steps[%d].dependsOn %q must appear earlier in the step list", index, step.DependsOn)
		}
	}

	for field, expr := range step.TemplateTransformations {
		if field == "" {
			return fmt.Errorf("steps[%d].templateTransformations has an empty field name", index)
		}
		refStep, _, isPrev := ParsePrevRef(expr)
		if !isPrev {
			continue
		}
		refIndex, ok := stepIndices[refStep]
		if !ok {
			return fmt.Errorf("steps[%d].templateTransformations[%s] references unknown step %q",
				index, field, refStep)
		}
		if refIndex >= index {
			return fmt.Errorf("steps[%d].templateTransformations[%s] references step %q which runs later",
				index, field, refStep)
		}
	}

	return nil
}

// validateDependencyCycles rejects cyclic dependsOn chains. Forward
// references are caught earlier; this guards the graph as a whole.
func validateDependencyCycles(steps []Step) error {
	graph := make(map[string][]string, len(steps))
	for _, step := range steps {
		if step.DependsOn != "" {
			graph[step.Name] = []string{step.DependsOn}
		} else {
			graph[step.Name] = nil
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(string) bool
	hasCycle = func(name string) bool {
		visited[name] = true
		recStack[name] = true

		for _, dep := range graph[name] {
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[name] = false
		return false
	}

	for name := range graph {
		if !visited[name] {
			if hasCycle(name) {
				return fmt.Errorf("dependency cycle detected involving step %q", name)
			}
		}
	}

	return nil
}
