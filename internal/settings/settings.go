package settings

import (
	"bufio"
	"os"
	"regexp"
	"strings"
)

// Environment variables read by the pipeline generator. The agent tag and
// docker plugin variables hold JSON objects shaped
// `{"tests": [...], "cfg": {...}}`, TESTS_TO_SKIP holds a JSON list of test
// names and TIMEOUTS_MIN a JSON object mapping test names to minutes.
const (
	EnvX86AgentTags       = "X86_LINUX_AGENT_TAGS"
	EnvAarch64AgentTags   = "AARCH64_LINUX_AGENT_TAGS"
	EnvDockerPluginConfig = "DOCKER_PLUGIN_CONFIG"
	EnvTestsToSkip        = "TESTS_TO_SKIP"
	EnvTimeoutsMin        = "TIMEOUTS_MIN"
	EnvDefaultHypervisor  = "DEFAULT_AGENT_TAG_HYPERVISOR"
	EnvGithubToken        = "GITHUB_TOKEN"
)

type Settings struct {
	X86AgentTags       string
	Aarch64AgentTags   string
	DockerPluginConfig string
	TestsToSkip        string
	TimeoutsMin        string
	DefaultHypervisor  string
	GithubToken        string
}

// NewSettings reads the environment once. The returned values are treated
// as immutable for the duration of a run.
func NewSettings() *Settings {
	return &Settings{
		X86AgentTags:       os.Getenv(EnvX86AgentTags),
		Aarch64AgentTags:   os.Getenv(EnvAarch64AgentTags),
		DockerPluginConfig: os.Getenv(EnvDockerPluginConfig),
		TestsToSkip:        os.Getenv(EnvTestsToSkip),
		TimeoutsMin:        os.Getenv(EnvTimeoutsMin),
		DefaultHypervisor:  getEnvOrDefault(EnvDefaultHypervisor, "kvm"),
		GithubToken:        os.Getenv(EnvGithubToken),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

// ReadDotenv loads KEY=value lines from a dotenv file into the process
// environment. Missing files are ignored so a plain environment works too.
func ReadDotenv(path string) {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			split := strings.SplitN(string(line), "=", 2)
			name := strings.TrimSpace(split[0])
			value := strings.TrimSpace(split[1])
			value = strings.Trim(value, `"`)
			os.Setenv(name, value)
		}
	}
}
