package telemetry

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"
)

// archiveDir tars and gzip-compresses (via klauspost/pgzip, a parallel
// gzip implementation) the contents of dir into a temp file and returns it
// open for reading from the start. The caller is responsible for closing
// and removing it. pgzip is declared in the teacher's go.mod but not
// imported by the teacher's code; here it compresses event directories.
func archiveDir(dir string) (*os.File, error) {
	tmp, err := os.CreateTemp("", "event-archive-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("creating archive temp file: %w", err)
	}

	gz, err := pgzip.NewWriterLevel(tmp, pgzip.BestSpeed)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	if closeErr := tw.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := gz.Close(); walkErr == nil {
		walkErr = closeErr
	}

	if walkErr != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("archiving %s: %w", dir, walkErr)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("rewinding archive: %w", err)
	}
	return tmp, nil
}

// removeArchive best-effort removes the temp archive file after upload.
func removeArchive(f *os.File) {
	name := f.Name()
	f.Close()
	os.Remove(name)
}

// localArchiver satisfies Archiver without any network dependency; it
// exists so tests and offline deployments can exercise the archive-trigger
// path without an S3 bucket configured.
type localArchiver struct {
	destDir string
}

// NewLocalArchiver returns an Archiver that copies each archive to destDir
// instead of uploading it, named <event_id>.tar.gz.
func NewLocalArchiver(destDir string) Archiver {
	return &localArchiver{destDir: destDir}
}

func (a *localArchiver) Upload(ctx context.Context, eventID, dir string) error {
	archive, err := archiveDir(dir)
	if err != nil {
		return err
	}
	defer removeArchive(archive)

	if err := os.MkdirAll(a.destDir, 0755); err != nil {
		return fmt.Errorf("creating archive destination: %w", err)
	}
	dst, err := os.Create(filepath.Join(a.destDir, eventID+".tar.gz"))
	if err != nil {
		return fmt.Errorf("creating destination archive: %w", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, archive)
	return err
}
