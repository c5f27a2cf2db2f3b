package toolchain

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const maxEntrySize = 1 << 30

// extractTarGz unpacks a .tar.gz into destDir. Entries escaping destDir are
// rejected; symlinks are created after regular files.
func extractTarGz(tarPath, destDir string) error {
	file, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("failed to open tar.gz: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	root := filepath.Clean(destDir) + string(os.PathSeparator)

	type symlink struct{ target, linkname string }
	var links []symlink

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("tar read error: %w", err)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(filepath.Clean(target)+string(os.PathSeparator), root) {
			return fmt.Errorf("invalid file path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, io.LimitReader(tr, maxEntrySize)); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %w", header.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return fmt.Errorf("absolute symlink in archive: %s -> %s", header.Name, header.Linkname)
			}
			resolved := filepath.Join(filepath.Dir(target), header.Linkname)
			if !strings.HasPrefix(filepath.Clean(resolved)+string(os.PathSeparator), root) {
				return fmt.Errorf("symlink escapes archive: %s -> %s", header.Name, header.Linkname)
			}
			links = append(links, symlink{target: target, linkname: header.Linkname})
		}
	}

	for _, l := range links {
		if err := os.MkdirAll(filepath.Dir(l.target), 0o750); err != nil {
			return err
		}
		if err := os.Symlink(l.linkname, l.target); err != nil {
			return fmt.Errorf("symlink %s: %w", l.target, err)
		}
	}
	return nil
}
