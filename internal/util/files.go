package util

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ArchiveDirectory zips the files under dirPath into destDir, named after
// the directory, and returns the archive path. Entries are stored relative
// to dirPath.
func ArchiveDirectory(dirPath, destDir string) (string, error) {
	archive, err := os.Create(filepath.Join(destDir, filepath.Base(dirPath)+".zip"))
	if err != nil {
		return "", err
	}
	defer archive.Close()

	paths := make([]string, 0)
	err = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	zw := zip.NewWriter(archive)
	for _, p := range paths {
		rel, err := filepath.Rel(dirPath, p)
		if err != nil {
			return "", err
		}
		if err := copyToArchive(zw, p, rel); err != nil {
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		return "", err
	}

	return archive.Name(), nil
}

func copyToArchive(zw *zip.Writer, path, name string) error {
	// open file to archive
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// open file in archive
	zf, err := zw.Create(filepath.ToSlash(name))
	if err != nil {
		return err
	}

	// copy file to archive
	if _, err := io.Copy(zf, f); err != nil {
		return err
	}
	return nil
}
