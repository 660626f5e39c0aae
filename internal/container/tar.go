package container

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// extractTar unpacks r into dstDir and returns the regular files written.
// Entries that would escape dstDir are rejected.
func extractTar(r io.Reader, dstDir string) ([]string, error) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create destination")
	}
	root, err := filepath.Abs(dstDir)
	if err != nil {
		return nil, err
	}

	var files []string
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, errors.Wrap(err, "failed to read archive")
		}

		dest := filepath.Join(root, filepath.FromSlash(hdr.Name))
		if dest != root && !strings.HasPrefix(dest, root+string(os.PathSeparator)) {
			return files, errors.Errorf("archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files = append(files, dest)
		default:
			// links and devices are not needed for artifacts
		}
	}
}

func writeFile(dest string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
