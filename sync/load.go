package sync

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/nestal/heartyrabbit/client"
)

// filePermission maps a local file's mode bits onto a blob permission,
// the inverse of fileMode: world-readable files become public and
// group-readable files shared.
func filePermission(mode fs.FileMode) client.Permission {
	switch {
	case mode.Perm()&0004 != 0:
		return client.PermPublic
	case mode.Perm()&0040 != 0:
		return client.PermShared
	default:
		return client.PermPrivate
	}
}

// Load walks the directory tree rooted at dir and uploads every regular
// file to the session's site. The file's path relative to dir, minus the
// filename, becomes the collection name; files directly under dir go to
// the root collection. A non-empty collection prefixes every derived
// name, so a flat directory can be loaded into one named collection.
// Each blob's permission is set from the file's mode bits.
func Load(ctx context.Context, s *client.Session, dir, collection string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.WithGroup("hrb_sync")

	uploaded := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		coll := filepath.ToSlash(filepath.Dir(rel))
		if coll == "." {
			coll = ""
		}
		coll = path.Join(collection, coll)

		info, err := d.Info()
		if err != nil {
			return err
		}

		file, err := os.Open(p)
		if err != nil {
			return err
		}
		defer file.Close()

		id, err := s.Upload(ctx, coll, d.Name(), file, nil)
		if err != nil {
			return err
		}

		perm := filePermission(info.Mode())
		if err := s.SetPermission(ctx, coll, id, perm); err != nil {
			return err
		}
		uploaded++

		logger.Debug("blob loaded",
			"collection", coll, "blob", id, "perm", perm, "file", p)
		return nil
	})
	return uploaded, err
}
