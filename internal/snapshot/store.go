// Package snapshot persists the last successfully fetched rows of each kind
// so the planner can start with stale data when the backend is unreachable.
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/crewplan/crewplan-sync/internal/entity"
)

const (
	sqlUpsertSnapshot = `INSERT INTO snapshots (kind, saved_at, row_count, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
		 saved_at = excluded.saved_at,
		 row_count = excluded.row_count,
		 payload = excluded.payload`

	sqlLoadSnapshot = `SELECT saved_at, payload FROM snapshots WHERE kind = ?`

	sqlListSnapshots = `SELECT kind, saved_at, row_count, length(payload)
		FROM snapshots ORDER BY kind`
)

// Info describes one stored snapshot without decoding it.
type Info struct {
	Kind    entity.Kind `json:"kind"`
	SavedAt time.Time   `json:"saved_at"`
	Rows    int         `json:"rows"`
	Bytes   int64       `json:"bytes"`
}

// Store is a SQLite-backed last-known-good cache, one snapshot per kind.
// Rows are stored as a CBOR array.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	enc     cbor.EncMode
	dec     cbor.DecMode
	nowFunc func() time.Time
}

// Open opens (creating if needed) the snapshot database at dbPath and
// applies migrations. Use ":memory:" in tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening database %s: %w", dbPath, err)
	}

	// Sole writer; also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	// Canonical encoding keeps map keys sorted so identical rows produce
	// identical payloads.
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: cbor encoder: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: mapType,
	}.DecMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: cbor decoder: %w", err)
	}

	logger.Debug("snapshot store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		enc:     enc,
		dec:     dec,
		nowFunc: time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the snapshot for kind.
func (s *Store) Save(ctx context.Context, kind entity.Kind, rows []entity.Row) error {
	if rows == nil {
		rows = []entity.Row{}
	}

	payload, err := s.enc.Marshal(rows)
	if err != nil {
		return fmt.Errorf("snapshot: encoding %s: %w", kind, err)
	}

	savedAt := s.nowFunc().UTC()

	if _, err := s.db.ExecContext(ctx, sqlUpsertSnapshot, kind.String(), savedAt.UnixNano(), len(rows), payload); err != nil {
		return fmt.Errorf("snapshot: saving %s: %w", kind, err)
	}

	s.logger.Debug("snapshot saved",
		slog.String("kind", kind.String()),
		slog.Int("rows", len(rows)),
		slog.Int("bytes", len(payload)),
	)

	return nil
}

// Load returns the snapshot for kind and when it was saved. ok is false
// when nothing has been stored yet.
func (s *Store) Load(ctx context.Context, kind entity.Kind) (rows []entity.Row, savedAt time.Time, ok bool, err error) {
	var (
		nanos   int64
		payload []byte
	)

	err = s.db.QueryRowContext(ctx, sqlLoadSnapshot, kind.String()).Scan(&nanos, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}

	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("snapshot: loading %s: %w", kind, err)
	}

	var raw []map[string]any
	if err := s.dec.Unmarshal(payload, &raw); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("snapshot: decoding %s: %w", kind, err)
	}

	rows = make([]entity.Row, len(raw))
	for i, r := range raw {
		rows[i] = normalizeRow(r)
	}

	return rows, time.Unix(0, nanos).UTC(), true, nil
}

// List describes every stored snapshot.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	rs, err := s.db.QueryContext(ctx, sqlListSnapshots)
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing: %w", err)
	}
	defer rs.Close()

	var out []Info

	for rs.Next() {
		var (
			name  string
			nanos int64
			info  Info
		)

		if err := rs.Scan(&name, &nanos, &info.Rows, &info.Bytes); err != nil {
			return nil, fmt.Errorf("snapshot: scanning listing: %w", err)
		}

		kind, err := entity.ParseKind(name)
		if err != nil {
			s.logger.Warn("skipping snapshot of unknown kind", slog.String("kind", name))
			continue
		}

		info.Kind = kind
		info.SavedAt = time.Unix(0, nanos).UTC()
		out = append(out, info)
	}

	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: iterating listing: %w", err)
	}

	return out, nil
}
