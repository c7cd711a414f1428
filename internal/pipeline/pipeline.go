package pipeline

import (
	"errors"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/rustvmm/ci/internal/settings"
)

// Pipeline is the document handed to Buildkite.
type Pipeline struct {
	Steps []*Step `yaml:"steps"`
}

// ConfigBuilder expands the test description into the final pipeline,
// keeping input order both across tests and across each test's platform
// list.
type ConfigBuilder struct {
	Overrides *Overrides
}

func NewConfigBuilder(overrides *Overrides) *ConfigBuilder {
	return &ConfigBuilder{Overrides: overrides}
}

func (b *ConfigBuilder) Build(cfg *Config) (*Pipeline, error) {
	if len(cfg.Tests) == 0 {
		return nil, errors.New("input is missing list of tests")
	}

	stepBuilder := &StepBuilder{Overrides: b.Overrides}
	p := &Pipeline{}
	for _, test := range cfg.Tests {
		if slices.Contains(b.Overrides.TestsToSkip, test.Name) {
			continue
		}

		// Tests that do not ask for a hypervisor get the process-wide
		// default, so every step requests a consistent compute backend.
		if test.Hypervisor == nil && b.Overrides.DefaultHypervisor != "" {
			hypervisor := b.Overrides.DefaultHypervisor
			test.Hypervisor = &hypervisor
		}

		// A test without platforms yields one step that may run anywhere.
		platforms := test.Platforms
		if len(platforms) == 0 {
			platforms = []string{""}
		}
		for _, platform := range platforms {
			step, err := stepBuilder.Build(&test, platform)
			if err != nil {
				return nil, err
			}
			p.Steps = append(p.Steps, step)
		}
	}
	return p, nil
}

// Generate reads the JSON test description at path and writes the Buildkite
// pipeline document to w.
func Generate(path string, env *settings.Settings, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return err
	}
	overrides, err := ParseOverrides(env)
	if err != nil {
		return err
	}
	p, err := NewConfigBuilder(overrides).Build(cfg)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
