package pipeline

import (
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string {
	return &s
}

func intptr(n int) *int {
	return &n
}

func TestStepBuilder_Build(t *testing.T) {
	t.Run("success - defaults for a minimal test", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{Name: "style", Command: "cargo fmt --check"}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, "style", step.Label)
		assert.Equal(t, "cargo fmt --check", step.Command)
		assert.Equal(t, yaml.MapSlice{{Key: "os", Value: "linux"}}, step.Agents)
		assert.Equal(t, yaml.MapSlice{
			{Key: "image", Value: "rustvmm/dev:v12"},
			{Key: "always-pull", Value: true},
		}, step.Docker)
		assert.Equal(t, 5, step.TimeoutInMinutes)
		assert.Empty(t, step.If)
		assert.Empty(t, step.Extra)
	})

	t.Run("success - platform suffixes the label and sets the agent tag", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{Name: "unittests", Command: "cargo test"}

		// act
		step, err := builder.Build(test, "x86_64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, "unittests-x86_64", step.Label)
		platform, ok := mapGet(step.Agents, "platform")
		require.True(t, ok)
		assert.Equal(t, "x86_64.metal", platform)
	})

	t.Run("success - aarch64 is rewritten to the arm host pool name", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{Name: "unittests", Command: "cargo test"}

		// act
		step, err := builder.Build(test, "aarch64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, "unittests-aarch64", step.Label)
		platform, _ := mapGet(step.Agents, "platform")
		assert.Equal(t, "arm.metal", platform)
	})

	t.Run("success - an unrecognized platform passes through untouched", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{Name: "unittests", Command: "cargo test"}

		// act
		step, err := builder.Build(test, "riscv64")

		// assert
		require.NoError(t, err)
		platform, _ := mapGet(step.Agents, "platform")
		assert.Equal(t, "riscv64.metal", platform)
	})

	t.Run("success - target platform token is substituted", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:    "coverage",
			Command: "pytest --target {target_platform}",
		}

		// act
		step, err := builder.Build(test, "aarch64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, "pytest --target aarch64", step.Command)
	})

	t.Run("fail - target platform token without a platform", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:    "coverage",
			Command: "pytest --target {target_platform}",
		}

		// act
		_, err := builder.Build(test, "")

		// assert
		assert.EqualError(t, err, "command requires platform, but platform is missing")
	})

	t.Run("fail - missing test name", func(t *testing.T) {
		builder := &StepBuilder{Overrides: &Overrides{}}

		_, err := builder.Build(&TestDescription{Command: "cargo test"}, "")

		assert.EqualError(t, err, "step is missing test name")
	})

	t.Run("fail - missing command", func(t *testing.T) {
		builder := &StepBuilder{Overrides: &Overrides{}}

		_, err := builder.Build(&TestDescription{Name: "unittests"}, "")

		assert.EqualError(t, err, "step is missing command")
	})

	t.Run("success - supported hypervisor is added to the agent tags", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:       "unittests",
			Command:    "cargo test",
			Hypervisor: strptr("kvm"),
		}

		// act
		step, err := builder.Build(test, "x86_64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{
			{Key: "os", Value: "linux"},
			{Key: "platform", Value: "x86_64.metal"},
			{Key: "hypervisor", Value: "kvm"},
		}, step.Agents)
	})

	t.Run("success - unsupported hypervisor is silently dropped", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:       "unittests",
			Command:    "cargo test",
			Hypervisor: strptr("xen"),
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		_, ok := mapGet(step.Agents, "hypervisor")
		assert.False(t, ok)
	})

	t.Run("success - conditional, timeout and queue from the input", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:             "benchmark",
			Command:          "cargo bench",
			Conditional:      `build.env("RUN_BENCH") == "true"`,
			TimeoutInMinutes: intptr(30),
			Queue:            "bench",
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, `build.env("RUN_BENCH") == "true"`, step.If)
		assert.Equal(t, 30, step.TimeoutInMinutes)
		queue, _ := mapGet(step.Agents, "queue")
		assert.Equal(t, "bench", queue)
	})

	t.Run("success - docker plugin keys from the input merge into the defaults", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:    "coverage",
			Command: "pytest",
			DockerPlugin: yaml.MapSlice{
				{Key: "privileged", Value: true},
				{Key: "image", Value: "rustvmm/dev:custom"},
			},
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{
			{Key: "image", Value: "rustvmm/dev:custom"},
			{Key: "always-pull", Value: true},
			{Key: "privileged", Value: true},
		}, step.Docker)
	})

	t.Run("success - agent tag override replaces the whole selector", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			X86AgentTags: &OverrideBlock{
				Tests: []string{"unittests"},
				Cfg:   yaml.MapSlice{{Key: "queue", Value: "special"}},
			},
		}}
		test := &TestDescription{
			Name:       "unittests",
			Command:    "cargo test",
			Hypervisor: strptr("kvm"),
		}

		// act
		step, err := builder.Build(test, "x86_64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{{Key: "queue", Value: "special"}}, step.Agents)
	})

	t.Run("success - aarch64 agent tag override matches the arm pool", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			Aarch64AgentTags: &OverrideBlock{
				Tests: []string{"unittests"},
				Cfg:   yaml.MapSlice{{Key: "os", Value: "linux-arm"}},
			},
		}}
		test := &TestDescription{Name: "unittests", Command: "cargo test"}

		// act
		step, err := builder.Build(test, "aarch64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{{Key: "os", Value: "linux-arm"}}, step.Agents)
	})

	t.Run("success - agent tag override does not apply without a platform", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			X86AgentTags: &OverrideBlock{
				Tests: []string{"style"},
				Cfg:   yaml.MapSlice{{Key: "queue", Value: "special"}},
			},
		}}
		test := &TestDescription{Name: "style", Command: "cargo fmt --check"}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{{Key: "os", Value: "linux"}}, step.Agents)
	})

	t.Run("success - agent tag override skips tests outside its allow-list", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			X86AgentTags: &OverrideBlock{
				Tests: []string{"coverage"},
				Cfg:   yaml.MapSlice{{Key: "queue", Value: "special"}},
			},
		}}
		test := &TestDescription{Name: "unittests", Command: "cargo test"}

		// act
		step, err := builder.Build(test, "x86_64")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{
			{Key: "os", Value: "linux"},
			{Key: "platform", Value: "x86_64.metal"},
		}, step.Agents)
	})

	t.Run("success - docker plugin override merges instead of replacing", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			DockerPlugin: &OverrideBlock{
				Tests: []string{"coverage"},
				Cfg:   yaml.MapSlice{{Key: "devices", Value: []any{"/dev/foo"}}},
			},
		}}
		test := &TestDescription{
			Name:         "coverage",
			Command:      "pytest",
			DockerPlugin: yaml.MapSlice{{Key: "privileged", Value: true}},
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, yaml.MapSlice{
			{Key: "image", Value: "rustvmm/dev:v12"},
			{Key: "always-pull", Value: true},
			{Key: "privileged", Value: true},
			{Key: "devices", Value: []any{"/dev/foo"}},
		}, step.Docker)
	})

	t.Run("success - timeout override replaces the timeout", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{
			TimeoutsMin: map[string]int{"style": 30},
		}}
		test := &TestDescription{
			Name:             "style",
			Command:          "cargo fmt --check",
			TimeoutInMinutes: intptr(10),
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, 30, step.TimeoutInMinutes)
	})

	t.Run("success - pass-through keys keep input order and never shadow built fields", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		test := &TestDescription{
			Name:    "unittests",
			Command: "cargo test",
			Extra: yaml.MapSlice{
				{Key: "env", Value: yaml.MapSlice{{Key: "RUST_BACKTRACE", Value: "1"}}},
				{Key: "label", Value: "evil"},
				{Key: "artifact_paths", Value: []any{"logs/**"}},
			},
		}

		// act
		step, err := builder.Build(test, "")

		// assert
		require.NoError(t, err)
		assert.Equal(t, "unittests", step.Label)
		assert.Equal(t, yaml.MapSlice{
			{Key: "env", Value: yaml.MapSlice{{Key: "RUST_BACKTRACE", Value: "1"}}},
			{Key: "artifact_paths", Value: []any{"logs/**"}},
		}, step.Extra)
	})
}

func TestStep_MarshalYAML(t *testing.T) {
	t.Run("success - fixed keys serialize in insertion order", func(t *testing.T) {
		// arrange
		builder := &StepBuilder{Overrides: &Overrides{}}
		step, err := builder.Build(&TestDescription{
			Name:        "style",
			Command:     "cargo fmt --check",
			Conditional: "build.branch == 'main'",
		}, "")
		require.NoError(t, err)

		// act
		doc, err := step.MarshalYAML()

		// assert
		require.NoError(t, err)
		ms, ok := doc.(yaml.MapSlice)
		require.True(t, ok)
		keys := make([]string, 0, len(ms))
		for _, item := range ms {
			keys = append(keys, item.Key.(string))
		}
		assert.Equal(t, []string{
			"label", "command", "retry", "agents",
			"plugins", "timeout_in_minutes", "if",
		}, keys)
	})
}
