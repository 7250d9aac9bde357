package files

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// WriteArchive streams a tar.gz of dir to w. Entry names are rooted at
// prefix. Only directories and regular files are included; symlinks and
// special files are skipped.
func WriteArchive(ctx context.Context, w io.Writer, dir, prefix string) error {
	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(ctx, tarWriter, dir, prefix); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func archiveDir(ctx context.Context, tw *tar.Writer, srcDir, prefix string) error {
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(relPath))
		if relPath == "." {
			if prefix == "" {
				return nil
			}
			name = prefix
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header: %w", err)
		}
		header.Name = name
		if info.IsDir() {
			header.Name += "/"
			return tw.WriteHeader(header)
		}

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header: %w", err)
		}
		return copyFile(tw, p, header.Size)
	})
}

// copyFile writes exactly size bytes so a file growing during the walk
// cannot corrupt the stream.
func copyFile(tw *tar.Writer, p string, size int64) error {
	file, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	n, err := io.Copy(tw, io.LimitReader(file, size))
	if err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	if n < size {
		// Truncated while archiving; pad to the declared size.
		if _, err := io.CopyN(tw, zeroReader{}, size-n); err != nil {
			return fmt.Errorf("failed to pad file in tar: %w", err)
		}
	}
	return nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
