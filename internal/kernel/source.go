package kernel

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

// CDN is where kernel tarballs are downloaded from.
const CDN = "https://cdn.kernel.org/pub/linux/kernel"

// SupportedArchs lists the kernel architecture names headers can be
// installed for.
var SupportedArchs = []string{"arm64", "x86_64", "riscv"}

// RustArch maps a kernel architecture name to the name Rust toolchains use.
var RustArch = map[string]string{
	"arm64":  "aarch64",
	"x86_64": "x86_64",
	"riscv":  "riscv64",
}

var versionPattern = regexp.MustCompile(`^(\d+)\.\d+(\.\d+)?$`)

// ValidateVersion checks the kernel version format: X.Y or X.Y.Z.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version format %q, use X.Y or X.Y.Z", version)
	}
	return nil
}

func majorVersion(version string) string {
	return strings.SplitN(version, ".", 2)[0]
}

// Source downloads and unpacks one kernel release.
type Source struct {
	Version string
	// BaseURL is the kernel CDN; tests point it at a local server.
	BaseURL string
	client  *http.Client
}

func NewSource(version string) *Source {
	return &Source{
		Version: version,
		BaseURL: CDN,
		client:  &http.Client{},
	}
}

func (s *Source) seriesURL() string {
	return fmt.Sprintf("%s/v%s.x/", s.BaseURL, majorVersion(s.Version))
}

func (s *Source) tarballName() string {
	return fmt.Sprintf("linux-%s.tar.xz", s.Version)
}

// CheckVersion confirms the version exists in the remote release index
// before anything is downloaded.
func (s *Source) CheckVersion(ctx context.Context) error {
	if err := ValidateVersion(s.Version); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.seriesURL(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("checking kernel version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("kernel series v%s.x does not exist", majorVersion(s.Version))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("checking kernel version: unexpected status %s", resp.Status)
	}

	index, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if !strings.Contains(string(index), s.tarballName()) {
		return fmt.Errorf("kernel version %s not found in remote", s.Version)
	}
	return nil
}

// Prepare downloads and extracts the kernel source, then installs headers
// for arch, or for every supported arch when arch is empty. It returns the
// directory containing the per-arch `<arch>_headers` trees.
func (s *Source) Prepare(ctx context.Context, arch, installPath string) (string, error) {
	if err := s.CheckVersion(ctx); err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp("", fmt.Sprintf("linux-%s-source-", s.Version))
	if err != nil {
		return "", fmt.Errorf("creating temp directory: %w", err)
	}

	tarball, err := s.Download(ctx, tempDir)
	if err != nil {
		return "", err
	}
	srcDir, err := Extract(tarball, tempDir)
	if err != nil {
		return "", err
	}

	archs := SupportedArchs
	if arch != "" {
		archs = []string{arch}
	}
	for _, a := range archs {
		headerDir, err := InstallHeaders(srcDir, a, installPath)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(os.Stderr, "installed %s headers to %s\n", a, headerDir)
	}

	if installPath == "" {
		installPath = filepath.Dir(srcDir)
	}
	return installPath, nil
}

// Download streams the tarball into destDir and returns its path. A
// progress percentage is shown on stderr when it is a terminal.
func (s *Source) Download(ctx context.Context, destDir string) (string, error) {
	url := s.seriesURL() + s.tarballName()
	fmt.Fprintf(os.Stderr, "downloading %s\n", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: unexpected status %s", resp.Status)
	}

	path := filepath.Join(destDir, s.tarballName())
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if err := copyWithProgress(out, resp.Body, resp.ContentLength); err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	return path, nil
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64) error {
	if total <= 0 || !term.IsTerminal(int(os.Stderr.Fd())) {
		_, err := io.Copy(dst, src)
		return err
	}

	buf := make([]byte, 32*1024)
	var done int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			done += int64(n)
			fmt.Fprintf(os.Stderr, "\rdownloading: %.1f%%", float64(done)/float64(total)*100)
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(os.Stderr)
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Extract unpacks a .tar.xz kernel tarball into destDir and returns the
// path of the extracted source tree.
func Extract(tarballPath, destDir string) (string, error) {
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	xzReader, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return "", fmt.Errorf("extraction failed: %w", err)
	}

	cleanDest := filepath.Clean(destDir)
	tarReader := tar.NewReader(xzReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("extraction failed: %w", err)
		}

		target := filepath.Join(cleanDest, header.Name)
		if !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
			return "", fmt.Errorf("tarball entry escapes destination: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode())
			if err != nil {
				return "", err
			}
			if _, err := io.Copy(out, tarReader); err != nil {
				out.Close()
				return "", fmt.Errorf("extraction failed: %w", err)
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil && !os.IsExist(err) {
				return "", err
			}
		}
	}

	base := filepath.Base(tarballPath)
	if i := strings.Index(base, ".tar"); i >= 0 {
		base = base[:i]
	}
	return filepath.Join(cleanDest, base), nil
}

// InstallHeaders runs the kernel's `headers_install` target for one arch.
// An empty installPath installs next to the source tree so the extracted
// sources are not touched. The installed header directory is returned.
func InstallHeaders(srcDir, arch, installPath string) (string, error) {
	if installPath == "" {
		installPath = filepath.Dir(srcDir)
	}
	if err := os.MkdirAll(installPath, 0o755); err != nil {
		return "", err
	}
	headerDir, err := filepath.Abs(filepath.Join(installPath, arch+"_headers"))
	if err != nil {
		return "", err
	}

	cmd := exec.Command("make",
		"-C", srcDir,
		"ARCH="+arch,
		"INSTALL_HDR_PATH="+headerDir,
		"headers_install",
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("header installation failed: %w\n%s", err, output)
	}
	return headerDir, nil
}

// HeaderDir returns the header install directory for one arch under the
// path Prepare returned.
func HeaderDir(installPath, arch string) string {
	return filepath.Join(installPath, arch+"_headers")
}
