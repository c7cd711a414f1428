package rustgen

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rustvmm/ci/internal/kernel"
)

// SeccompilerSyscallDir is where the seccompiler crate keeps its
// generated per-arch syscall tables.
const SeccompilerSyscallDir = "src/syscall_table"

// Syscall is one entry of a kernel syscall table.
type Syscall struct {
	Name string
	Num  int
}

var syscallPattern = regexp.MustCompile(`^#define __NR_(\w+)\s+(\d+)`)

// ParseSyscallTable extracts the `#define __NR_*` entries from an
// installed unistd header, sorted by syscall name.
func ParseSyscallTable(r io.Reader) ([]Syscall, error) {
	var syscalls []Syscall
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := syscallPattern.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		syscalls = append(syscalls, Syscall{Name: m[1], Num: num})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading syscall header: %w", err)
	}
	sort.Slice(syscalls, func(i, j int) bool { return syscalls[i].Name < syscalls[j].Name })
	return syscalls, nil
}

// RenderSyscallTable produces the Rust source of the syscall lookup table.
func RenderSyscallTable(syscalls []Syscall) string {
	var b strings.Builder
	b.WriteString("use std::collections::HashMap;\n\n")
	b.WriteString("pub(crate) fn make_syscall_table() -> HashMap<&'static str, i64> {\n")
	b.WriteString("    vec![\n")
	for _, sc := range syscalls {
		fmt.Fprintf(&b, "        (%q, %d),\n", sc.Name, sc.Num)
	}
	b.WriteString("    ]\n")
	b.WriteString("    .into_iter()\n")
	b.WriteString("    .collect()\n")
	b.WriteString("}\n")
	return b.String()
}

// GenerateSeccompiler writes the syscall table for one arch as
// `<outputPath>/<rust arch>.rs`, generated from the headers installed
// under headersDir.
func GenerateSeccompiler(headersDir, arch, outputPath string) error {
	header := filepath.Join(headersDir, "include", "asm", "unistd_64.h")
	f, err := os.Open(header)
	if err != nil {
		return fmt.Errorf("syscall header missing at %s: %w", header, err)
	}
	defer f.Close()

	syscalls, err := ParseSyscallTable(f)
	if err != nil {
		return err
	}
	if len(syscalls) == 0 {
		return fmt.Errorf("no syscalls found in %s", header)
	}

	rustArch, ok := kernel.RustArch[arch]
	if !ok {
		return fmt.Errorf("unsupported arch %q", arch)
	}
	if err := os.MkdirAll(outputPath, 0o755); err != nil {
		return err
	}
	out := filepath.Join(outputPath, rustArch+".rs")
	if err := os.WriteFile(out, []byte(RenderSyscallTable(syscalls)), 0o644); err != nil {
		return err
	}
	return rustfmt(out)
}

func rustfmt(path string) error {
	if output, err := exec.Command("rustfmt", path).CombinedOutput(); err != nil {
		return fmt.Errorf("rustfmt failed on %s: %w\n%s", path, err, output)
	}
	return nil
}
