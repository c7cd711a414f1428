package pipeline

import (
	"fmt"
	"slices"

	"github.com/goccy/go-yaml"

	"github.com/rustvmm/ci/internal/settings"
)

// OverrideBlock scopes a configuration patch to an allow-list of test
// names. Blocks arrive through the environment as JSON objects with a
// `tests` list and a `cfg` mapping.
type OverrideBlock struct {
	Tests []string
	Cfg   yaml.MapSlice
}

func (b *OverrideBlock) Applies(testName string) bool {
	return b != nil && slices.Contains(b.Tests, testName)
}

// Overrides carries every environment-supplied override channel, parsed
// once at startup so the builders never touch the process environment
// themselves.
type Overrides struct {
	X86AgentTags      *OverrideBlock
	Aarch64AgentTags  *OverrideBlock
	DockerPlugin      *OverrideBlock
	TestsToSkip       []string
	TimeoutsMin       map[string]int
	DefaultHypervisor string
}

// ParseOverrides validates and parses the override environment variables. A
// variable that is set but malformed is fatal for the whole generation run.
func ParseOverrides(env *settings.Settings) (*Overrides, error) {
	overrides := &Overrides{DefaultHypervisor: env.DefaultHypervisor}

	var err error
	if overrides.X86AgentTags, err = parseOverrideBlock(settings.EnvX86AgentTags, env.X86AgentTags); err != nil {
		return nil, err
	}
	if overrides.Aarch64AgentTags, err = parseOverrideBlock(settings.EnvAarch64AgentTags, env.Aarch64AgentTags); err != nil {
		return nil, err
	}
	if overrides.DockerPlugin, err = parseOverrideBlock(settings.EnvDockerPluginConfig, env.DockerPluginConfig); err != nil {
		return nil, err
	}

	if env.TestsToSkip != "" {
		if err := yaml.Unmarshal([]byte(env.TestsToSkip), &overrides.TestsToSkip); err != nil {
			return nil, fmt.Errorf("environment variable %s is not a valid JSON list: %w", settings.EnvTestsToSkip, err)
		}
	}
	if env.TimeoutsMin != "" {
		if err := yaml.Unmarshal([]byte(env.TimeoutsMin), &overrides.TimeoutsMin); err != nil {
			return nil, fmt.Errorf("environment variable %s is not a valid JSON object: %w", settings.EnvTimeoutsMin, err)
		}
	}

	return overrides, nil
}

func parseOverrideBlock(name, raw string) (*OverrideBlock, error) {
	if raw == "" {
		return nil, nil
	}

	var doc any
	if err := yaml.UnmarshalWithOptions([]byte(raw), &doc, yaml.UseOrderedMap()); err != nil {
		return nil, fmt.Errorf("environment variable %s is not valid JSON: %w", name, err)
	}
	ms, ok := doc.(yaml.MapSlice)
	if !ok {
		return nil, fmt.Errorf("environment variable %s must be a JSON object", name)
	}

	block := &OverrideBlock{}
	for _, item := range ms {
		switch fmt.Sprint(item.Key) {
		case "tests":
			list, ok := item.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("environment variable %s: `tests` must be a list of test names", name)
			}
			for _, test := range list {
				s, ok := test.(string)
				if !ok {
					return nil, fmt.Errorf("environment variable %s: `tests` must be a list of test names", name)
				}
				block.Tests = append(block.Tests, s)
			}
		case "cfg":
			cfg, ok := item.Value.(yaml.MapSlice)
			if !ok {
				return nil, fmt.Errorf("environment variable %s: `cfg` must be an object", name)
			}
			block.Cfg = cfg
		}
	}

	if len(block.Tests) == 0 {
		return nil, fmt.Errorf("environment variable %s is missing the `tests` key", name)
	}
	if len(block.Cfg) == 0 {
		return nil, fmt.Errorf("environment variable %s is missing the `cfg` key", name)
	}
	return block, nil
}
