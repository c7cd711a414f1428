package rustgen

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// KVMBindingsDir is where the kvm-bindings crate keeps its per-arch
// generated sources, relative to the crate root.
const KVMBindingsDir = "kvm-bindings/src"

var serdeImplsPattern = regexp.MustCompile(`(?s)serde_impls!\s*\{\s*(.*?)\s*\}`)

// CaptureSerdeStructs returns the struct names listed inside the
// serde_impls! block of a kvm-bindings serialize.rs file. These are the
// structs that need the custom attribute attached when bindgen runs.
func CaptureSerdeStructs(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	match := serdeImplsPattern.FindSubmatch(content)
	if match == nil {
		return nil, fmt.Errorf("no serde_impls! block found in %s", path)
	}

	var structs []string
	for _, field := range strings.Fields(string(match[1])) {
		if name := strings.TrimSuffix(field, ","); name != "" {
			structs = append(structs, name)
		}
	}
	if len(structs) == 0 {
		return nil, fmt.Errorf("serde_impls! block in %s is empty", path)
	}
	return structs, nil
}

// GenerateKVMBindings regenerates `<outputPath>/<arch>/bindings.rs` from
// the kvm.h installed under headersDir, attaching attribute to every
// struct the crate serializes. It must run from a kvm repository root so
// the serialize.rs struct list can be read.
func GenerateKVMBindings(headersDir, arch, attribute, outputPath string) error {
	kvmHeader := filepath.Join(headersDir, "include", "linux", "kvm.h")
	if _, err := os.Stat(kvmHeader); err != nil {
		return fmt.Errorf("KVM header missing at %s: %w", kvmHeader, err)
	}

	structs, err := CaptureSerdeStructs(filepath.Join(KVMBindingsDir, arch, "serialize.rs"))
	if err != nil {
		return err
	}

	args := []string{
		kvmHeader,
		"--impl-debug",
		"--impl-partialeq",
		"--with-derive-default",
		"--with-derive-partialeq",
	}
	if attribute != "" {
		for _, name := range structs {
			args = append(args, "--with-attribute-custom-struct", name+"="+attribute)
		}
	}
	args = append(args, "--", "-I"+filepath.Join(headersDir, "include"))

	cmd := exec.Command("bindgen", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("bindgen failed: %w\n%s", err, stderr.String())
	}

	outDir := filepath.Join(outputPath, arch)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	out := filepath.Join(outDir, "bindings.rs")
	if err := os.WriteFile(out, stdout.Bytes(), 0o644); err != nil {
		return err
	}
	return rustfmt(out)
}
