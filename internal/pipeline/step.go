package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"
)

// ContainerVersion is the version of the rust-vmm-container image the tests
// run in. DockerPluginVersion is the version of the Buildkite docker plugin.
const (
	ContainerVersion    = "v12"
	DockerPluginVersion = "v3.8.0"
)

// TargetPlatformToken is replaced in commands with the platform the step is
// generated for.
const TargetPlatformToken = "{target_platform}"

const defaultTimeoutMinutes = 5

var dockerPluginName = "docker#" + DockerPluginVersion

// Unsupported hypervisor values are dropped rather than rejected, so that
// descriptions carrying tags for a newer generator still work here.
var supportedHypervisors = map[string]bool{"kvm": true, "mshv": true}

// Keys the builder always owns on the output step. Pass-through keys never
// replace these.
var builderOwnedKeys = map[string]bool{
	"label":              true,
	"command":            true,
	"retry":              true,
	"agents":             true,
	"plugins":            true,
	"timeout_in_minutes": true,
}

// Step is one Buildkite step. Agents and Docker are ordered mappings: the
// key order they accumulate during the build is the order written to the
// document.
type Step struct {
	Label            string
	Command          string
	Agents           yaml.MapSlice
	Docker           yaml.MapSlice
	TimeoutInMinutes int
	If               string
	Extra            yaml.MapSlice
}

// MarshalYAML writes the step as a mapping with a stable key order: the
// fixed keys first, the conditional when set, then the pass-through keys in
// input order.
func (s *Step) MarshalYAML() (any, error) {
	doc := yaml.MapSlice{
		{Key: "label", Value: s.Label},
		{Key: "command", Value: s.Command},
		{Key: "retry", Value: yaml.MapSlice{{Key: "automatic", Value: false}}},
		{Key: "agents", Value: s.Agents},
		{Key: "plugins", Value: []any{
			yaml.MapSlice{{Key: dockerPluginName, Value: s.Docker}},
		}},
		{Key: "timeout_in_minutes", Value: s.TimeoutInMinutes},
	}
	if s.If != "" {
		doc = append(doc, yaml.MapItem{Key: "if", Value: s.If})
	}
	doc = append(doc, s.Extra...)
	return doc, nil
}

// StepBuilder constructs one Step per (test, platform) pair. The per-test
// configuration is applied first, then the environment override channels,
// then the pass-through keys.
type StepBuilder struct {
	Overrides *Overrides
}

func (b *StepBuilder) Build(test *TestDescription, platform string) (*Step, error) {
	if test.Name == "" {
		return nil, errors.New("step is missing test name")
	}
	if test.Command == "" {
		return nil, errors.New("step is missing command")
	}

	step := &Step{
		Agents: yaml.MapSlice{{Key: "os", Value: "linux"}},
		Docker: yaml.MapSlice{
			{Key: "image", Value: "rustvmm/dev:" + ContainerVersion},
			{Key: "always-pull", Value: true},
		},
		TimeoutInMinutes: defaultTimeoutMinutes,
	}

	step.Label = test.Name
	if platform != "" {
		step.Label = test.Name + "-" + platform
	}

	command := test.Command
	if strings.Contains(command, TargetPlatformToken) {
		if platform == "" {
			return nil, errors.New("command requires platform, but platform is missing")
		}
		command = strings.ReplaceAll(command, TargetPlatformToken, platform)
	}
	step.Command = command

	b.setPlatform(step, platform)
	b.setHypervisor(step, test.Hypervisor)
	if test.Conditional != "" {
		step.If = test.Conditional
	}
	if test.TimeoutInMinutes != nil {
		step.TimeoutInMinutes = *test.TimeoutInMinutes
	}
	if test.Queue != "" {
		mapSet(&step.Agents, "queue", test.Queue)
	}
	for _, item := range test.DockerPlugin {
		mapSet(&step.Docker, fmt.Sprint(item.Key), item.Value)
	}

	b.overrideAgentTags(step, test.Name)
	b.mergeDockerConfig(step, test.Name)
	b.overrideTimeout(step, test.Name)
	b.passThrough(step, test.Extra)

	return step, nil
}

// Hosts running aarch64 register their platform agent tag as `arm`, so the
// kernel-style architecture name is rewritten before the `.metal` suffix is
// appended. Platforms this layer does not know about are kept as-is.
func (b *StepBuilder) setPlatform(step *Step, platform string) {
	if platform == "" {
		return
	}
	if platform == "aarch64" {
		platform = "arm"
	}
	mapSet(&step.Agents, "platform", platform+".metal")
}

func (b *StepBuilder) setHypervisor(step *Step, hypervisor *string) {
	if hypervisor == nil || !supportedHypervisors[*hypervisor] {
		return
	}
	mapSet(&step.Agents, "hypervisor", *hypervisor)
}

// The agent tag override is a full replace: when the block applies, the
// selector built so far is discarded and rebuilt from the block's cfg.
// Which block applies is decided by the already-resolved platform tag.
func (b *StepBuilder) overrideAgentTags(step *Step, testName string) {
	platform, _ := mapGet(step.Agents, "platform")
	var block *OverrideBlock
	switch platform {
	case "x86_64.metal":
		block = b.Overrides.X86AgentTags
	case "arm.metal":
		block = b.Overrides.Aarch64AgentTags
	}
	if !block.Applies(testName) {
		return
	}
	step.Agents = nil
	for _, item := range block.Cfg {
		mapSet(&step.Agents, fmt.Sprint(item.Key), item.Value)
	}
}

// The docker plugin override merges into the existing plugin config, it
// does not replace it.
func (b *StepBuilder) mergeDockerConfig(step *Step, testName string) {
	block := b.Overrides.DockerPlugin
	if !block.Applies(testName) {
		return
	}
	for _, item := range block.Cfg {
		mapSet(&step.Docker, fmt.Sprint(item.Key), item.Value)
	}
}

func (b *StepBuilder) overrideTimeout(step *Step, testName string) {
	if minutes, ok := b.Overrides.TimeoutsMin[testName]; ok {
		step.TimeoutInMinutes = minutes
	}
}

// Control keys were already consumed while decoding the test description,
// so everything left in extra is forwarded unless it would shadow a key the
// builder owns.
func (b *StepBuilder) passThrough(step *Step, extra yaml.MapSlice) {
	for _, item := range extra {
		key := fmt.Sprint(item.Key)
		if builderOwnedKeys[key] {
			continue
		}
		if key == "if" && step.If != "" {
			continue
		}
		step.Extra = append(step.Extra, item)
	}
}

func mapSet(ms *yaml.MapSlice, key string, value any) {
	for i, item := range *ms {
		if fmt.Sprint(item.Key) == key {
			(*ms)[i].Value = value
			return
		}
	}
	*ms = append(*ms, yaml.MapItem{Key: key, Value: value})
}

func mapGet(ms yaml.MapSlice, key string) (any, bool) {
	for _, item := range ms {
		if fmt.Sprint(item.Key) == key {
			return item.Value, true
		}
	}
	return nil, false
}
