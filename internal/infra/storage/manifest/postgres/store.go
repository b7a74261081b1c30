package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/internal/infra/storage"
)

// lockName is the single exclusive-run lease key. One deployment syncs one
// catalog, so one lock row suffices.
const lockName = "sync_run"

// lockLease bounds how long a crashed run can hold the lease before the next
// scheduled run may steal it.
const lockLease = 2 * time.Hour

var _ catalog.ManifestStore = (*manifestStore)(nil)

// manifestStore is a PostgreSQL implementation of catalog.ManifestStore.
// Manifests are stored append-only: every save inserts a new version row, so
// a reader only ever observes fully-written manifests and the latest version
// wins. An unreachable database surfaces as catalog.ErrCheckpointUnavailable.
type manifestStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewManifestStore creates a new PostgreSQL-backed manifest store.
func NewManifestStore(pool *pgxpool.Pool, tracer trace.Tracer) *manifestStore {
	return &manifestStore{pool: pool, tracer: tracer}
}

// Load returns the most recent manifest for the mode, or nil if none exists.
func (s *manifestStore) Load(ctx context.Context, mode catalog.RunMode) (*catalog.Manifest, error) {
	var manifest *catalog.Manifest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_manifest", []attribute.KeyValue{
		attribute.String("mode", string(mode)),
	}, func(ctx context.Context) error {
		var payload []byte
		err := s.pool.QueryRow(ctx,
			`SELECT payload FROM manifests WHERE mode = $1 ORDER BY id DESC LIMIT 1`,
			string(mode),
		).Scan(&payload)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("querying manifest for mode %s: %w: %v", mode, catalog.ErrCheckpointUnavailable, err)
		}
		return decodeManifest(payload, &manifest)
	})
	return manifest, err
}

// LoadByHandle returns the latest version of the manifest identified by the
// resume handle, or nil if none exists.
func (s *manifestStore) LoadByHandle(ctx context.Context, handle uuid.UUID) (*catalog.Manifest, error) {
	var manifest *catalog.Manifest
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_manifest_by_handle", []attribute.KeyValue{
		attribute.String("handle", handle.String()),
	}, func(ctx context.Context) error {
		var payload []byte
		err := s.pool.QueryRow(ctx,
			`SELECT payload FROM manifests WHERE handle = $1 ORDER BY version DESC LIMIT 1`,
			handle,
		).Scan(&payload)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("querying manifest %s: %w: %v", handle, catalog.ErrCheckpointUnavailable, err)
		}
		return decodeManifest(payload, &manifest)
	})
	return manifest, err
}

func decodeManifest(payload []byte, out **catalog.Manifest) error {
	m := new(catalog.Manifest)
	if err := json.Unmarshal(payload, m); err != nil {
		return fmt.Errorf("decoding manifest payload: %w: %v", catalog.ErrCheckpointUnavailable, err)
	}
	*out = m
	return nil
}

// Save appends a new version row for the manifest's handle. Versions are
// never updated in place, which keeps a concurrent reader from observing a
// torn write.
func (s *manifestStore) Save(ctx context.Context, m *catalog.Manifest) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_manifest", []attribute.KeyValue{
		attribute.String("handle", m.Handle().String()),
		attribute.Int("highest_sent_index", m.HighestSentIndex()),
	}, func(ctx context.Context) error {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO manifests (handle, mode, version, payload)
			 VALUES ($1, $2, COALESCE((SELECT MAX(version) + 1 FROM manifests WHERE handle = $1), 1), $3)`,
			m.Handle(), string(m.Mode()), payload,
		)
		if err != nil {
			return fmt.Errorf("inserting manifest version: %w: %v", catalog.ErrCheckpointUnavailable, err)
		}
		return nil
	})
}

// Clear removes every manifest version for the mode.
func (s *manifestStore) Clear(ctx context.Context, mode catalog.RunMode) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.clear_manifests", []attribute.KeyValue{
		attribute.String("mode", string(mode)),
	}, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM manifests WHERE mode = $1`, string(mode),
		); err != nil {
			return fmt.Errorf("clearing manifests for mode %s: %w: %v", mode, catalog.ErrCheckpointUnavailable, err)
		}
		return nil
	})
}

// AcquireRunLock takes the exclusive run lease. The lease expires after
// lockLease so a crashed run cannot block syncing forever; a live holder
// causes catalog.ErrRunAlreadyInProgress.
func (s *manifestStore) AcquireRunLock(ctx context.Context) (func(ctx context.Context) error, error) {
	var release func(ctx context.Context) error
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.acquire_run_lock", nil,
		func(ctx context.Context) error {
			tag, err := s.pool.Exec(ctx,
				`INSERT INTO run_locks (name, expires_at) VALUES ($1, now() + $2)
				 ON CONFLICT (name) DO UPDATE
				 SET acquired_at = now(), expires_at = excluded.expires_at
				 WHERE run_locks.expires_at < now()`,
				lockName, lockLease,
			)
			if err != nil {
				return fmt.Errorf("acquiring run lock: %w: %v", catalog.ErrCheckpointUnavailable, err)
			}
			if tag.RowsAffected() == 0 {
				return catalog.ErrRunAlreadyInProgress
			}

			release = func(ctx context.Context) error {
				return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.release_run_lock", nil,
					func(ctx context.Context) error {
						if _, err := s.pool.Exec(ctx,
							`DELETE FROM run_locks WHERE name = $1`, lockName,
						); err != nil {
							return fmt.Errorf("releasing run lock: %w: %v", catalog.ErrCheckpointUnavailable, err)
						}
						return nil
					})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return release, nil
}
