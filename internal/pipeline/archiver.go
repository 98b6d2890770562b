package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"safegate/internal/config"
	"safegate/internal/logging"
	"safegate/internal/services"
	"safegate/internal/textutil"
)

// ZipArchiver packs a job's clean files into a single zip in the staging
// directory. The archive name is derived from the sanitized device label
// and a timestamp, e.g. holiday_photos-20260827-151204.zip.
type ZipArchiver struct {
	stagingDir string
	maxBytes   int64
	logger     *slog.Logger
}

// NewZipArchiver builds the archiver from configuration.
func NewZipArchiver(logger *slog.Logger, stagingDir string, cfg config.Archive) *ZipArchiver {
	return &ZipArchiver{
		stagingDir: stagingDir,
		maxBytes:   int64(cfg.MaxSizeMB) * 1024 * 1024,
		logger:     logging.NewComponentLogger(logger, "archiver"),
	}
}

// Pack writes the archive and returns its path. The archive is removed
// again if it exceeds the configured size limit or any file fails to copy.
func (a *ZipArchiver) Pack(ctx context.Context, root, label string, files []string) (string, error) {
	if err := os.MkdirAll(a.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("ensure staging directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.zip", textutil.SanitizeToken(label), time.Now().UTC().Format("20060102-150405"))
	archivePath := filepath.Join(a.stagingDir, name)

	if err := a.writeArchive(ctx, archivePath, root, files); err != nil {
		os.Remove(archivePath)
		return "", err
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("stat archive: %w", err)
	}
	if a.maxBytes > 0 && info.Size() > a.maxBytes {
		os.Remove(archivePath)
		return "", services.Wrap(services.ErrArchiveTooLarge, "archiving", "pack",
			fmt.Sprintf("%d bytes exceeds limit of %d", info.Size(), a.maxBytes), nil)
	}

	a.logger.Info("archive created",
		logging.String("path", archivePath),
		logging.Int("files", len(files)),
		logging.Int64("bytes", info.Size()),
	)
	return archivePath, nil
}

func (a *ZipArchiver) writeArchive(ctx context.Context, archivePath, root string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}
		if err := a.addFile(zw, root, path); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Sync()
}

func (a *ZipArchiver) addFile(zw *zip.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	entry, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return fmt.Errorf("create archive entry %s: %w", rel, err)
	}
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer in.Close()
	if _, err := io.Copy(entry, in); err != nil {
		return fmt.Errorf("copy %s into archive: %w", path, err)
	}
	return nil
}
