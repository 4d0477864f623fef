package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/track"
	_ "modernc.org/sqlite"
)

const writeTimeout = 2 * time.Second

// Store keeps the timeline of every track in SQLite so deliveries can be
// inspected after the in-memory table has pruned them.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS tracks (
    track_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    text TEXT,
    state TEXT NOT NULL,
    reason TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    track_id TEXT NOT NULL,
    from_state TEXT,
    to_state TEXT NOT NULL,
    reason TEXT,
    synthesized INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(track_id) REFERENCES tracks(track_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tracks_device_created ON tracks(device_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transitions_track ON transitions(track_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// RecordTransition upserts the track row and appends the transition.
func (s *Store) RecordTransition(snapshot track.Track, tr track.Transition) error {
	if s.disabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tracks(track_id, device_id, text, state, reason, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(track_id) DO UPDATE SET state=excluded.state, reason=excluded.reason, updated_at=excluded.updated_at`,
		snapshot.ID, snapshot.DeviceID, snapshot.Text, string(snapshot.State), snapshot.Reason,
		snapshot.CreatedAt.UnixMilli(), snapshot.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert track: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions(track_id, from_state, to_state, reason, synthesized, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		snapshot.ID, string(tr.From), string(tr.To), tr.Reason, tr.Synthesized, tr.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	err = tx.Commit()
	return err
}

// GetTrack loads a track and its full history.
func (s *Store) GetTrack(ctx context.Context, trackID string) (track.Track, bool, error) {
	if s.disabled() {
		return track.Track{}, false, nil
	}
	var (
		t                track.Track
		state            string
		reason           sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT track_id, device_id, text, state, reason, created_at, updated_at FROM tracks WHERE track_id = ?`,
		trackID).Scan(&t.ID, &t.DeviceID, &t.Text, &state, &reason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return track.Track{}, false, nil
	}
	if err != nil {
		return track.Track{}, false, err
	}
	t.State = track.State(state)
	t.Reason = reason.String
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT from_state, to_state, reason, synthesized, created_at FROM transitions WHERE track_id = ? ORDER BY id ASC`,
		trackID)
	if err != nil {
		return track.Track{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			from, to string
			why      sql.NullString
			synth    bool
			at       int64
		)
		if err := rows.Scan(&from, &to, &why, &synth, &at); err != nil {
			return track.Track{}, false, err
		}
		t.History = append(t.History, track.Transition{
			From:        track.State(from),
			To:          track.State(to),
			Reason:      why.String,
			Synthesized: synth,
			At:          time.UnixMilli(at).UTC(),
		})
	}
	return t, true, rows.Err()
}

// ListDeviceTracks returns up to limit of the device's most recent tracks,
// newest first, without history.
func (s *Store) ListDeviceTracks(ctx context.Context, deviceID string, limit int) ([]track.Track, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT track_id, device_id, text, state, reason, created_at, updated_at
		 FROM tracks WHERE device_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []track.Track
	for rows.Next() {
		var (
			t                track.Track
			state            string
			reason           sql.NullString
			created, updated int64
		)
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Text, &state, &reason, &created, &updated); err != nil {
			return nil, err
		}
		t.State = track.State(state)
		t.Reason = reason.String
		t.CreatedAt = time.UnixMilli(created).UTC()
		t.UpdatedAt = time.UnixMilli(updated).UTC()
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return tx.Commit()
	}
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM tracks WHERE updated_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxTracks > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM tracks WHERE track_id IN (
			SELECT track_id FROM tracks ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxTracks)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Run prunes on the given interval until ctx ends.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if s.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
