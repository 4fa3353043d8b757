// Package dependency validates a TaskHandler's step template graph and
// expands it into persisted WorkflowSteps and StepEdges at Task creation
// time. Cycle detection uses Kahn's algorithm, generalized to the
// depends_on_step / depends_on_steps (single-or-many) template shape.
package dependency

import (
	"fmt"

	"github.com/orbitflow/taskengine/internal/apierr"
)

// StepTemplate is one entry of a NamedTask's declared step graph.
type StepTemplate struct {
	Name             string
	DependsOn        []string
	DefaultRetryable bool
	DefaultRetryLimit int
	Skippable        bool
	HandlerClass     string
	DependentSystem  string
}

// Resolved is the validated template set plus derived ordering metadata.
type Resolved struct {
	Templates []StepTemplate
	// Level is the length of the longest path from any root to this step,
	// keyed by template name. Ordering metadata only; the readiness query,
	// not Level, decides execution order.
	Level map[string]int
	// Order is one valid topological ordering of Templates, suitable for
	// the get_dependency_graph introspection operation's execution_order
	// field. Not used by the runtime scheduler itself.
	Order []string
}

// Validate checks the template set forms a DAG: unique names, every declared
// dependency resolves to a known template, no cycles, no self-edges.
func Validate(templates []StepTemplate) (*Resolved, error) {
	if len(templates) == 0 {
		return &Resolved{Templates: templates, Level: map[string]int{}}, nil
	}

	seen := make(map[string]bool, len(templates))
	for _, t := range templates {
		if t.Name == "" {
			return nil, apierr.New(apierr.KindValidation, "step template missing name")
		}
		if seen[t.Name] {
			return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("duplicate step template name %q", t.Name))
		}
		seen[t.Name] = true
	}
	for _, t := range templates {
		for _, dep := range t.DependsOn {
			if dep == t.Name {
				return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("step %q depends on itself", t.Name))
			}
			if !seen[dep] {
				return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("step %q depends on unknown step %q", t.Name, dep))
			}
		}
	}

	inDegree := make(map[string]int, len(templates))
	children := make(map[string][]string, len(templates))
	for _, t := range templates {
		inDegree[t.Name] = 0
	}
	for _, t := range templates {
		for _, dep := range t.DependsOn {
			inDegree[t.Name]++
			children[dep] = append(children[dep], t.Name)
		}
	}

	level := make(map[string]int, len(templates))
	processed := make(map[string]bool, len(templates))
	order := make([]string, 0, len(templates))

	for {
		progressed := false
		for _, t := range templates {
			if processed[t.Name] || inDegree[t.Name] != 0 {
				continue
			}
			processed[t.Name] = true
			order = append(order, t.Name)
			progressed = true
			for _, child := range children[t.Name] {
				inDegree[child]--
				if level[t.Name]+1 > level[child] {
					level[child] = level[t.Name] + 1
				}
			}
		}
		if !progressed {
			break
		}
	}

	if len(order) != len(templates) {
		return nil, apierr.New(apierr.KindValidation, "cycle detected in step template graph")
	}

	return &Resolved{Templates: templates, Level: level, Order: order}, nil
}
