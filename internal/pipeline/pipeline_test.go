package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustvmm/ci/internal/settings"
)

func TestConfigBuilder_Build(t *testing.T) {
	t.Run("success - one step per platform in list order", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{})
		cfg := &Config{Tests: []TestDescription{{
			Name:      "unittests",
			Command:   "cargo test",
			Platforms: []string{"x86_64", "aarch64"},
		}}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		require.Len(t, p.Steps, 2)
		assert.Equal(t, "unittests-x86_64", p.Steps[0].Label)
		assert.Equal(t, "unittests-aarch64", p.Steps[1].Label)
	})

	t.Run("success - no platform yields one unconstrained step", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{})
		cfg := &Config{Tests: []TestDescription{{
			Name:    "style",
			Command: "cargo fmt --check",
		}}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, "style", p.Steps[0].Label)
		_, ok := mapGet(p.Steps[0].Agents, "platform")
		assert.False(t, ok)
	})

	t.Run("success - input order is preserved across tests", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{})
		cfg := &Config{Tests: []TestDescription{
			{Name: "style", Command: "cargo fmt --check"},
			{Name: "unittests", Command: "cargo test", Platforms: []string{"x86_64"}},
			{Name: "audit", Command: "cargo audit"},
		}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		require.Len(t, p.Steps, 3)
		assert.Equal(t, "style", p.Steps[0].Label)
		assert.Equal(t, "unittests-x86_64", p.Steps[1].Label)
		assert.Equal(t, "audit", p.Steps[2].Label)
	})

	t.Run("success - skip list removes the test entirely", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{TestsToSkip: []string{"unittests"}})
		cfg := &Config{Tests: []TestDescription{
			{Name: "style", Command: "cargo fmt --check"},
			{Name: "unittests", Command: "cargo test", Platforms: []string{"x86_64", "aarch64"}},
		}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		require.Len(t, p.Steps, 1)
		assert.Equal(t, "style", p.Steps[0].Label)
	})

	t.Run("success - default hypervisor is injected when the test has none", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{DefaultHypervisor: "kvm"})
		cfg := &Config{Tests: []TestDescription{{
			Name:      "unittests",
			Command:   "cargo test",
			Platforms: []string{"x86_64"},
		}}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		hypervisor, ok := mapGet(p.Steps[0].Agents, "hypervisor")
		require.True(t, ok)
		assert.Equal(t, "kvm", hypervisor)
	})

	t.Run("success - a test's own hypervisor wins over the default", func(t *testing.T) {
		// arrange
		builder := NewConfigBuilder(&Overrides{DefaultHypervisor: "kvm"})
		cfg := &Config{Tests: []TestDescription{{
			Name:       "unittests",
			Command:    "cargo test",
			Hypervisor: strptr("mshv"),
		}}}

		// act
		p, err := builder.Build(cfg)

		// assert
		require.NoError(t, err)
		hypervisor, _ := mapGet(p.Steps[0].Agents, "hypervisor")
		assert.Equal(t, "mshv", hypervisor)
	})

	t.Run("fail - empty tests list", func(t *testing.T) {
		builder := NewConfigBuilder(&Overrides{})

		_, err := builder.Build(&Config{})

		assert.EqualError(t, err, "input is missing list of tests")
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("success - recognized and pass-through keys are split", func(t *testing.T) {
		// arrange
		input := []byte(`{
			"tests": [
				{
					"test_name": "coverage",
					"command": "pytest --target {target_platform}",
					"platform": ["x86_64", "aarch64"],
					"hypervisor": "kvm",
					"docker_plugin": {"privileged": true},
					"timeout_in_minutes": 15,
					"env": {"RUST_BACKTRACE": "1"},
					"artifact_paths": ["logs/**"]
				}
			]
		}`)

		// act
		cfg, err := ParseConfig(input)

		// assert
		require.NoError(t, err)
		require.Len(t, cfg.Tests, 1)
		test := cfg.Tests[0]
		assert.Equal(t, "coverage", test.Name)
		assert.Equal(t, "pytest --target {target_platform}", test.Command)
		assert.Equal(t, []string{"x86_64", "aarch64"}, test.Platforms)
		require.NotNil(t, test.Hypervisor)
		assert.Equal(t, "kvm", *test.Hypervisor)
		assert.Equal(t, yaml.MapSlice{{Key: "privileged", Value: true}}, test.DockerPlugin)
		require.NotNil(t, test.TimeoutInMinutes)
		assert.Equal(t, 15, *test.TimeoutInMinutes)
		require.Len(t, test.Extra, 2)
		assert.Equal(t, "env", test.Extra[0].Key)
		assert.Equal(t, "artifact_paths", test.Extra[1].Key)
	})

	t.Run("fail - tests is not a list", func(t *testing.T) {
		_, err := ParseConfig([]byte(`{"tests": "style"}`))

		assert.ErrorContains(t, err, "`tests` must be a list")
	})

	t.Run("fail - platform is not a list", func(t *testing.T) {
		_, err := ParseConfig([]byte(`{"tests": [{"test_name": "a", "command": "b", "platform": "x86_64"}]}`))

		assert.ErrorContains(t, err, "`platform` must be a list")
	})
}

func TestGenerate(t *testing.T) {
	writeDescription := func(t *testing.T, content string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "test_description.json")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	env := &settings.Settings{DefaultHypervisor: "kvm"}

	t.Run("success - minimal description generates one default step", func(t *testing.T) {
		// arrange
		path := writeDescription(t, `{"tests": [{"test_name": "style", "command": "cargo fmt --check"}]}`)
		var out bytes.Buffer

		// act
		err := Generate(path, env, &out)

		// assert
		require.NoError(t, err)
		generated := out.String()
		assert.Contains(t, generated, "steps:")
		assert.Contains(t, generated, "label: style")
		assert.Contains(t, generated, "command: cargo fmt --check")
		assert.Contains(t, generated, "os: linux")
		assert.Contains(t, generated, "timeout_in_minutes: 5")
		assert.Contains(t, generated, "always-pull: true")

		// the generated document must parse back into the same shape
		var doc struct {
			Steps []map[string]any `yaml:"steps"`
		}
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &doc))
		require.Len(t, doc.Steps, 1)
	})

	t.Run("success - identical input and environment give identical output", func(t *testing.T) {
		// arrange
		path := writeDescription(t, `{
			"tests": [
				{"test_name": "style", "command": "cargo fmt --check"},
				{"test_name": "unittests", "command": "cargo test", "platform": ["x86_64", "aarch64"]}
			]
		}`)
		var first, second bytes.Buffer

		// act
		require.NoError(t, Generate(path, env, &first))
		require.NoError(t, Generate(path, env, &second))

		// assert
		assert.Equal(t, first.Bytes(), second.Bytes())
	})

	t.Run("fail - a single bad test aborts the whole run", func(t *testing.T) {
		// arrange
		path := writeDescription(t, `{
			"tests": [
				{"test_name": "style", "command": "cargo fmt --check"},
				{"test_name": "broken"}
			]
		}`)
		var out bytes.Buffer

		// act
		err := Generate(path, env, &out)

		// assert
		assert.EqualError(t, err, "step is missing command")
	})
}
