package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	output "ml-pipelines/internal/core/ports/output"
)

// RunConfig is the per-run configuration file (config.yaml). It locates the
// external steps and overrides parameters.
type RunConfig struct {
	Parameters map[string]any        `yaml:"parameters"`
	Steps      map[string]StepConfig `yaml:"steps"`
}

// StepConfig configures one step of a pipeline run.
type StepConfig struct {
	Command    []string          `yaml:"command"`
	Image      string            `yaml:"image"`
	Env        map[string]string `yaml:"env"`
	WorkDir    string            `yaml:"workdir"`
	Parameters map[string]any    `yaml:"parameters"`
}

// LoadRunConfig reads a run configuration file. An empty path yields an
// empty configuration.
func LoadRunConfig(path string) (*RunConfig, error) {
	if path == "" {
		return &RunConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	return &cfg, nil
}

// RunParameters returns the top-level parameters with overrides layered on
// top. Overrides are typically command line flags the user set explicitly.
func (c *RunConfig) RunParameters(overrides map[string]any) map[string]any {
	out := make(map[string]any)
	if c != nil {
		for k, v := range c.Parameters {
			out[k] = v
		}
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// StepParameters returns the configured parameter overrides for a step.
func (c *RunConfig) StepParameters(step string) map[string]any {
	if c == nil {
		return nil
	}
	return c.Steps[step].Parameters
}

// StepSettings returns the executor settings for a step.
func (c *RunConfig) StepSettings(step string) output.StepSettings {
	if c == nil {
		return output.StepSettings{}
	}
	sc := c.Steps[step]
	return output.StepSettings{
		Command: sc.Command,
		Image:   sc.Image,
		Env:     sc.Env,
		WorkDir: sc.WorkDir,
	}
}
