package domain

import (
	"fmt"
	"sort"
)

// StepKind tells the runner where a step's logic lives.
type StepKind string

const (
	// StepExternal steps are executed by a StepExecutor (subprocess, k8s job).
	StepExternal StepKind = "external"
	// StepBuiltin steps are orchestration steps implemented in this module.
	StepBuiltin StepKind = "builtin"
)

// InputRef binds a step input to an output of an upstream step.
type InputRef struct {
	Step   string `json:"step" yaml:"step"`
	Output string `json:"output" yaml:"output"`
}

func (r InputRef) String() string {
	return r.Step + "." + r.Output
}

// From is shorthand for an InputRef.
func From(step, output string) InputRef {
	return InputRef{Step: step, Output: output}
}

// StepSpec declares one node of a pipeline graph.
type StepSpec struct {
	Name       string              `json:"name" yaml:"name"`
	Kind       StepKind            `json:"kind" yaml:"kind"`
	Inputs     map[string]InputRef `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Parameters map[string]any      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Outputs    []string            `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// HasOutput reports whether the step declares the named output.
func (s StepSpec) HasOutput(name string) bool {
	for _, o := range s.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// Pipeline is a declared step call graph.
type Pipeline struct {
	Name       string              `json:"name" yaml:"name"`
	Steps      []StepSpec          `json:"steps" yaml:"steps"`
	Outputs    map[string]InputRef `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Parameters map[string]any      `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Step returns the step declared under name.
func (p *Pipeline) Step(name string) (StepSpec, error) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, nil
		}
	}
	return StepSpec{}, fmt.Errorf("%w: %s", ErrStepNotFound, name)
}

// Validate checks step names are unique, every input resolves to a declared
// output and the graph is acyclic.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return ErrInvalidPipelineName
	}

	byName := make(map[string]StepSpec, len(p.Steps))
	for _, s := range p.Steps {
		if s.Name == "" {
			return ErrInvalidStepName
		}
		if _, dup := byName[s.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
		}
		byName[s.Name] = s
	}

	check := func(owner string, ref InputRef) error {
		up, ok := byName[ref.Step]
		if !ok || !up.HasOutput(ref.Output) {
			return fmt.Errorf("%w: %s <- %s", ErrMissingInput, owner, ref)
		}
		return nil
	}

	for _, s := range p.Steps {
		for _, ref := range s.Inputs {
			if err := check(s.Name, ref); err != nil {
				return err
			}
		}
	}
	for name, ref := range p.Outputs {
		if err := check("pipeline output "+name, ref); err != nil {
			return err
		}
	}

	_, err := p.Levels()
	return err
}

// Levels groups steps into topological levels. Steps inside one level have no
// dependency on each other. Level order is deterministic: declaration order.
func (p *Pipeline) Levels() ([][]StepSpec, error) {
	order := make(map[string]int, len(p.Steps))
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))

	for i, s := range p.Steps {
		order[s.Name] = i
		if _, ok := indegree[s.Name]; !ok {
			indegree[s.Name] = 0
		}
	}
	for _, s := range p.Steps {
		seen := make(map[string]bool)
		for _, ref := range s.Inputs {
			if seen[ref.Step] {
				continue
			}
			seen[ref.Step] = true
			indegree[s.Name]++
			dependents[ref.Step] = append(dependents[ref.Step], s.Name)
		}
	}

	var current []string
	for _, s := range p.Steps {
		if indegree[s.Name] == 0 {
			current = append(current, s.Name)
		}
	}

	var levels [][]StepSpec
	visited := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return order[current[i]] < order[current[j]] })

		level := make([]StepSpec, 0, len(current))
		var next []string
		for _, name := range current {
			level = append(level, p.Steps[order[name]])
			visited++
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		levels = append(levels, level)
		current = next
	}

	if visited != len(p.Steps) {
		return nil, ErrCyclicPipeline
	}
	return levels, nil
}
