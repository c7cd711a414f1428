package runner

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rustvmm/ci/internal/pipeline"
	"github.com/rustvmm/ci/internal/util"
)

// Machine returns the kernel-style name of the architecture this process
// runs on.
func Machine() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	}
	return runtime.GOARCH
}

type Options struct {
	TestDescription string
	// LogDir, when set, receives one directory per run (named by the run
	// ID) with the combined output of each test.
	LogDir string
	// ArchiveLogs zips the run's log directory next to it once all tests
	// finished. Requires LogDir.
	ArchiveLogs bool
}

type Result struct {
	Name     string
	Command  string
	Duration time.Duration
	Err      error
}

func (r Result) Passed() bool {
	return r.Err == nil
}

// Run executes the tests from the test description on the invoking machine,
// in description order. Tests constrained to platforms other than the
// current one are skipped. Output is streamed to out and, when a log
// directory is configured, captured per test as well.
func Run(opts Options, out io.Writer) error {
	data, err := os.ReadFile(opts.TestDescription)
	if err != nil {
		return err
	}
	cfg, err := pipeline.ParseConfig(data)
	if err != nil {
		return err
	}
	if len(cfg.Tests) == 0 {
		return fmt.Errorf("input is missing list of tests")
	}

	machine := Machine()
	runID := uuid.NewString()

	runDir := ""
	if opts.LogDir != "" {
		runDir = filepath.Join(opts.LogDir, runID)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return err
		}
	}

	var results []Result
	for _, test := range cfg.Tests {
		if test.Name == "" {
			return fmt.Errorf("step is missing test name")
		}
		if test.Command == "" {
			return fmt.Errorf("step is missing command")
		}
		if len(test.Platforms) > 0 && !slices.Contains(test.Platforms, machine) {
			continue
		}

		command := strings.ReplaceAll(test.Command, pipeline.TargetPlatformToken, machine)
		fmt.Fprintf(out, "--- %s: %s\n", test.Name, command)

		result, err := runTest(test.Name, command, runDir, out)
		if err != nil {
			return err
		}
		results = append(results, result)
	}

	failed := 0
	for _, result := range results {
		status := "PASS"
		if !result.Passed() {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%s %s (%.1fs)\n", status, result.Name, result.Duration.Seconds())
	}
	fmt.Fprintf(out, "run %s: %d tests, %d failed\n", runID, len(results), failed)

	if opts.ArchiveLogs && runDir != "" {
		archive, err := util.ArchiveDirectory(runDir, opts.LogDir)
		if err != nil {
			return fmt.Errorf("archiving logs: %w", err)
		}
		fmt.Fprintf(out, "logs archived to %s\n", archive)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tests failed", failed, len(results))
	}
	return nil
}

func runTest(name, command, runDir string, out io.Writer) (Result, error) {
	sink := out
	if runDir != "" {
		logFile, err := os.Create(filepath.Join(runDir, util.SafeFileName(name)+".log"))
		if err != nil {
			return Result{}, err
		}
		defer logFile.Close()
		sink = io.MultiWriter(out, logFile)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = sink
	cmd.Stderr = sink

	start := time.Now()
	err := cmd.Run()
	return Result{
		Name:     name,
		Command:  command,
		Duration: time.Since(start),
		Err:      err,
	}, nil
}
