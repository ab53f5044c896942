// Package backup writes and reads point-in-time archives of the datastore
// and the uploads directory, restores the datastore from an archive and
// delivers archives to the admin chat on a schedule.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
)

const (
	// DatabaseEntry is the archive entry holding the datastore.
	DatabaseEntry = "database.db"
	// UploadsPrefix is the archive directory holding the uploads tree.
	UploadsPrefix = "uploads/"

	maxNameAttempts = 100
)

// MaxDatabaseSize caps the extracted size of the datastore entry.
var MaxDatabaseSize int64 = 1 << 30

var (
	ErrArchiveMissing       = errors.New("backup archive not found")
	ErrDatabaseEntryMissing = errors.New("backup archive has no " + DatabaseEntry)
	ErrInvalidArchive       = errors.New("not a zip archive")
)

// Snapshotter writes a consistent copy of the live datastore.
// *storage.Store implements it.
type Snapshotter interface {
	Snapshot(w io.Writer) (int64, error)
}

// Archiver creates archives in BackupDir. When Source is set the datastore
// is read through it, otherwise the file at DatabasePath is copied.
type Archiver struct {
	Source       Snapshotter
	DatabasePath string
	UploadsDir   string
	BackupDir    string
	Now          func() time.Time
	Log          zerolog.Logger
}

// FileName returns the archive name for t in t's location.
func FileName(t time.Time) string {
	return "backup-" + t.Format("20060102-150405") + ".zip"
}

func newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})
	return zw
}

// Create writes a new archive and returns its path. The archive is staged
// in a temp file next to its final name and published only after it has been
// flushed and closed. An existing archive is never replaced: a name already
// taken within the same second gets a -1, -2, ... suffix. On failure the
// staged file is removed.
func (a *Archiver) Create(ctx context.Context) (path string, err error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	stamp := now()

	if err := os.MkdirAll(a.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(a.BackupDir, ".backup-*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	zw := newZipWriter(tmp)
	if err = a.addDatabase(zw, stamp); err != nil {
		return "", err
	}
	if err = a.addUploads(ctx, zw); err != nil {
		return "", err
	}
	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("finishing archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("flushing archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("closing archive: %w", err)
	}

	if path, err = a.publish(tmp.Name(), stamp); err != nil {
		return "", fmt.Errorf("publishing archive: %w", err)
	}
	a.Log.Info().Str("event", "backup_created").Str("file", filepath.Base(path)).Msg("backup archive created")
	return path, nil
}

// publish hard-links staged under the first free archive name for stamp and
// drops the staging name. os.Link fails instead of overwriting.
func (a *Archiver) publish(staged string, stamp time.Time) (string, error) {
	base := strings.TrimSuffix(FileName(stamp), ".zip")
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ".zip"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.zip", base, i)
		}
		path := filepath.Join(a.BackupDir, name)
		err := os.Link(staged, path)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := os.Remove(staged); err != nil {
			a.Log.Warn().Err(err).Str("path", staged).Msg("failed to remove staging file")
		}
		return path, nil
	}
	return "", fmt.Errorf("no free archive name for %s", base)
}

func (a *Archiver) addDatabase(zw *zip.Writer, stamp time.Time) error {
	hdr := &zip.FileHeader{Name: DatabaseEntry, Method: zip.Deflate, Modified: stamp}

	if a.Source != nil {
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("adding %s: %w", DatabaseEntry, err)
		}
		if _, err := a.Source.Snapshot(w); err != nil {
			return fmt.Errorf("snapshotting database: %w", err)
		}
		return nil
	}

	f, err := os.Open(a.DatabasePath)
	if errors.Is(err, fs.ErrNotExist) {
		a.Log.Warn().Str("path", a.DatabasePath).Msg("database file not found, archive will not include it")
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer f.Close()

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("adding %s: %w", DatabaseEntry, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copying database: %w", err)
	}
	return nil
}

func (a *Archiver) addUploads(ctx context.Context, zw *zip.Writer) error {
	if a.UploadsDir == "" {
		return nil
	}
	if _, err := os.Stat(a.UploadsDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return filepath.WalkDir(a.UploadsDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(a.UploadsDir, p)
		if err != nil {
			return err
		}
		name := UploadsPrefix
		if rel != "." {
			name += filepath.ToSlash(rel)
		}

		if d.IsDir() {
			if name != UploadsPrefix {
				name += "/"
			}
			_, err := zw.Create(name)
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
}

// ExtractDatabase copies the datastore entry of archive to target.
func ExtractDatabase(archive, target string) (err error) {
	if _, err := os.Stat(archive); errors.Is(err, fs.ErrNotExist) {
		return ErrArchiveMissing
	}
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer zr.Close()

	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == DatabaseEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return ErrDatabaseEntryMissing
	}
	if entry.UncompressedSize64 > uint64(MaxDatabaseSize) {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArchive, DatabaseEntry, MaxDatabaseSize)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", DatabaseEntry, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(target)
		}
	}()
	// The header size is not trusted; the copy itself is capped too.
	n, err := io.Copy(out, io.LimitReader(rc, MaxDatabaseSize+1))
	if err != nil {
		return fmt.Errorf("extracting %s: %w", DatabaseEntry, err)
	}
	if n > MaxDatabaseSize {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArchive, DatabaseEntry, MaxDatabaseSize)
	}
	return out.Sync()
}
