package pipeline

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// TestDescription is one entry of the `tests` list in the test description
// file. Keys that are not recognized here stay in Extra in input order and
// are passed through to the generated step verbatim.
type TestDescription struct {
	Name             string
	Command          string
	Platforms        []string
	Hypervisor       *string
	DockerPlugin     yaml.MapSlice
	Conditional      string
	TimeoutInMinutes *int
	Queue            string
	Extra            yaml.MapSlice
}

// Config is the decoded test description document.
type Config struct {
	Tests []TestDescription
}

// ParseConfig decodes the JSON test description. The decode keeps mapping
// keys in document order so that pass-through keys end up in the generated
// YAML in the order the test author wrote them.
func ParseConfig(data []byte) (*Config, error) {
	var doc any
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.UseOrderedMap()); err != nil {
		return nil, fmt.Errorf("parsing test description: %w", err)
	}

	root, ok := doc.(yaml.MapSlice)
	if !ok {
		return nil, fmt.Errorf("test description must be an object")
	}

	cfg := &Config{}
	for _, item := range root {
		if fmt.Sprint(item.Key) != "tests" {
			continue
		}
		list, ok := item.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("`tests` must be a list")
		}
		for i, entry := range list {
			ms, ok := entry.(yaml.MapSlice)
			if !ok {
				return nil, fmt.Errorf("test at index %d is not an object", i)
			}
			test, err := parseTest(ms)
			if err != nil {
				return nil, err
			}
			cfg.Tests = append(cfg.Tests, *test)
		}
	}
	return cfg, nil
}

func parseTest(ms yaml.MapSlice) (*TestDescription, error) {
	test := &TestDescription{}
	for _, item := range ms {
		key := fmt.Sprint(item.Key)
		switch key {
		case "test_name":
			s, err := asString(key, item.Value)
			if err != nil {
				return nil, err
			}
			test.Name = s
		case "command":
			s, err := asString(key, item.Value)
			if err != nil {
				return nil, err
			}
			test.Command = s
		case "platform":
			list, ok := item.Value.([]any)
			if !ok {
				return nil, fmt.Errorf("`platform` must be a list of platform names")
			}
			for _, p := range list {
				s, err := asString(key, p)
				if err != nil {
					return nil, err
				}
				test.Platforms = append(test.Platforms, s)
			}
		case "hypervisor":
			s, err := asString(key, item.Value)
			if err != nil {
				return nil, err
			}
			test.Hypervisor = &s
		case "docker_plugin":
			cfg, ok := item.Value.(yaml.MapSlice)
			if !ok {
				return nil, fmt.Errorf("`docker_plugin` must be an object")
			}
			test.DockerPlugin = cfg
		case "conditional":
			s, err := asString(key, item.Value)
			if err != nil {
				return nil, err
			}
			test.Conditional = s
		case "timeout_in_minutes":
			minutes, ok := asMinutes(item.Value)
			if !ok {
				return nil, fmt.Errorf("`timeout_in_minutes` must be an integer, got %T", item.Value)
			}
			test.TimeoutInMinutes = &minutes
		case "queue":
			s, err := asString(key, item.Value)
			if err != nil {
				return nil, err
			}
			test.Queue = s
		default:
			test.Extra = append(test.Extra, item)
		}
	}
	return test, nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("`%s` must be a string, got %T", key, v)
	}
	return s, nil
}

func asMinutes(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
