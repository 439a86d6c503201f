package sync

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nestal/heartyrabbit/client"
)

// fileMode maps a blob's permission onto a filesystem mode so the dump
// carries the sharing intent: group-readable for shared, world-readable
// for public.
func fileMode(perm client.Permission) fs.FileMode {
	switch perm {
	case client.PermPublic:
		return 0644
	case client.PermShared:
		return 0640
	default:
		return 0600
	}
}

// Dump downloads every collection of the session's user into dir, one
// subdirectory per collection. Files that already exist are left alone,
// so an interrupted dump can be resumed by running it again.
func Dump(ctx context.Context, s *client.Session, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.WithGroup("hrb_sync")

	colls, err := s.ListCollections(ctx, "")
	if err != nil {
		return 0, err
	}

	written := 0
	for _, summary := range colls {
		coll, err := s.GetCollection(ctx, summary.Name, nil)
		if err != nil {
			return written, err
		}

		collDir := filepath.Join(dir, filepath.FromSlash(coll.Name))
		if err := os.MkdirAll(collDir, 0700); err != nil {
			return written, err
		}

		for id, entry := range coll.Elements {
			if entry.Filename == "" || strings.Contains(entry.Filename, "/") {
				logger.Warn("skipping blob with unusable filename",
					"collection", coll.Name, "blob", id)
				continue
			}

			dest := filepath.Join(collDir, entry.Filename)
			if _, err := os.Stat(dest); err == nil {
				continue
			}

			blob, err := s.GetBlob(ctx, coll.Name, id, &client.FetchOptions{Rendition: "master"})
			if err != nil {
				return written, err
			}

			if err := os.WriteFile(dest, blob.Data, fileMode(entry.Permission)); err != nil {
				return written, err
			}
			written++

			logger.Debug("blob dumped", "collection", coll.Name, "file", dest)
		}
	}
	return written, nil
}
