// Package sync moves blobs between HeartyRabbit sites and the local
// filesystem. It offers three operations built on the client package:
// replication of one user's collections from a source site to a
// destination site, dumping collections into a directory tree, and
// loading a directory tree back into a site.
package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/nestal/heartyrabbit/client"
)

var (
	ErrNilSession   = errors.New("source and destination sessions are required")
	ErrUserMismatch = errors.New("source and destination must be logged in as the same user")
)

const listingTTL = 30 * time.Second

// Config configures a Replicator.
type Config struct {
	Source *client.Session
	Dest   *client.Session

	// UploadsPerSecond throttles uploads to the destination site.
	// Zero means unlimited.
	UploadsPerSecond float64

	Logger *slog.Logger
}

// Stats reports what a replication pass did.
type Stats struct {
	Collections int
	Copied      int
	Skipped     int
}

// Replicator copies blobs that exist on a source site but not on a
// destination site. Both sessions must be logged in as the owner whose
// collections are being replicated.
type Replicator struct {
	src *client.Session
	dst *client.Session

	limiter  *rate.Limiter
	listings *ttlcache.Cache[string, []client.Collection]
	logger   *slog.Logger
}

// NewReplicator validates the config and returns a ready Replicator.
// Call Close when done to release the listing cache.
func NewReplicator(cfg *Config) (*Replicator, error) {
	if cfg.Source == nil || cfg.Dest == nil {
		return nil, ErrNilSession
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limit := rate.Inf
	if cfg.UploadsPerSecond > 0 {
		limit = rate.Limit(cfg.UploadsPerSecond)
	}

	r := &Replicator{
		src:     cfg.Source,
		dst:     cfg.Dest,
		limiter: rate.NewLimiter(limit, 1),
		listings: ttlcache.New[string, []client.Collection](
			ttlcache.WithTTL[string, []client.Collection](listingTTL),
		),
		logger: logger.WithGroup("hrb_sync"),
	}
	go r.listings.Start()
	return r, nil
}

// Close stops the listing cache. The sessions are not closed; they
// belong to the caller.
func (r *Replicator) Close() {
	r.listings.Stop()
}

// collections lists the source user's collections, memoizing the result
// so repeated passes within the TTL do not hit the source again.
func (r *Replicator) collections(ctx context.Context) ([]client.Collection, error) {
	owner := r.src.User()
	if item := r.listings.Get(owner); item != nil {
		return item.Value(), nil
	}

	colls, err := r.src.ListCollections(ctx, "")
	if err != nil {
		return nil, err
	}
	r.listings.Set(owner, colls, ttlcache.DefaultTTL)
	return colls, nil
}

// Replicate copies every blob the source session's user has that is
// missing from the destination site. Both sessions must be logged in as
// the same user. Permissions are carried over so a public blob stays
// public on the destination.
func (r *Replicator) Replicate(ctx context.Context) (Stats, error) {
	var stats Stats

	if r.src.User() == "" || r.src.User() != r.dst.User() {
		return stats, ErrUserMismatch
	}

	colls, err := r.collections(ctx)
	if err != nil {
		return stats, err
	}

	for _, summary := range colls {
		stats.Collections++

		src, err := r.src.GetCollection(ctx, summary.Name, nil)
		if err != nil {
			return stats, err
		}

		dst, err := r.dst.GetCollection(ctx, summary.Name, nil)
		if err != nil {
			return stats, err
		}

		missing := Missing(src, dst)
		stats.Skipped += len(src.Elements) - len(missing)

		for _, id := range missing {
			if err := r.copyBlob(ctx, src, id); err != nil {
				return stats, err
			}
			stats.Copied++
		}

		r.logger.Info("collection replicated",
			"owner", r.src.User(),
			"collection", summary.Name,
			"copied", len(missing),
		)
	}
	return stats, nil
}

func (r *Replicator) copyBlob(ctx context.Context, src *client.Collection, id string) error {
	// The listing is authoritative for filename and permission. A content
	// fetch may lack the disposition header and never carries permission.
	entry := src.Elements[id]

	blob, err := r.src.GetBlob(ctx, src.Name, id, nil)
	if err != nil {
		return err
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	copied, err := r.dst.Upload(ctx, src.Name, entry.Filename, bytes.NewReader(blob.Data), nil)
	if err != nil {
		return err
	}

	// Content addressing guarantees the destination assigns the same
	// identifier, so the listing's permission applies directly.
	if entry.Permission != "" && entry.Permission != client.PermPrivate {
		if err := r.dst.SetPermission(ctx, src.Name, copied, entry.Permission); err != nil {
			return err
		}
	}

	r.logger.Debug("blob copied",
		"collection", src.Name,
		"blob", copied,
		"filename", entry.Filename,
	)
	return nil
}
