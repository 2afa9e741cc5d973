package seal

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteEpisodeIndex keeps a queryable index of sealed episodes next to the
// immutable bundles. The bundles stay the source of truth; the index exists
// so lookups by decision or commit hash do not scan directories.
type SQLiteEpisodeIndex struct {
	db *sql.DB
}

// NewSQLiteEpisodeIndex wraps an open connection and ensures the schema.
func NewSQLiteEpisodeIndex(db *sql.DB) (*SQLiteEpisodeIndex, error) {
	s := &SQLiteEpisodeIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteEpisodeIndex) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS episodes (
        episode_id TEXT PRIMARY KEY,
        decision_id TEXT NOT NULL,
        commit_hash TEXT NOT NULL,
        sealed_at DATETIME NOT NULL,
        bundle_dir TEXT,
        run_file TEXT
    );
    CREATE INDEX IF NOT EXISTS episodes_decision ON episodes (decision_id);
    CREATE INDEX IF NOT EXISTS episodes_commit ON episodes (commit_hash);
    `
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// EpisodeRecord is one indexed sealed episode.
type EpisodeRecord struct {
	EpisodeID  string    `json:"episode_id"`
	DecisionID string    `json:"decision_id"`
	CommitHash string    `json:"commit_hash"`
	SealedAt   time.Time `json:"sealed_at"`
	BundleDir  string    `json:"bundle_dir,omitempty"`
	RunFile    string    `json:"run_file,omitempty"`
}

// Put inserts one episode. Episodes are immutable; an existing id is an
// error, never an update.
func (s *SQLiteEpisodeIndex) Put(ctx context.Context, r EpisodeRecord) error {
	query := `INSERT INTO episodes (episode_id, decision_id, commit_hash, sealed_at, bundle_dir, run_file)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.EpisodeID, r.DecisionID, r.CommitHash,
		r.SealedAt.UTC().Format(time.RFC3339Nano), r.BundleDir, r.RunFile)
	return err
}

// Get looks up an episode by id.
func (s *SQLiteEpisodeIndex) Get(ctx context.Context, episodeID string) (*EpisodeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT episode_id, decision_id, commit_hash, sealed_at, bundle_dir, run_file
		 FROM episodes WHERE episode_id = ?`, episodeID)
	return scanEpisode(row)
}

// ByCommit looks up an episode by commit hash.
func (s *SQLiteEpisodeIndex) ByCommit(ctx context.Context, commitHash string) (*EpisodeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT episode_id, decision_id, commit_hash, sealed_at, bundle_dir, run_file
		 FROM episodes WHERE commit_hash = ?`, commitHash)
	return scanEpisode(row)
}

// List returns the most recently sealed episodes.
func (s *SQLiteEpisodeIndex) List(ctx context.Context, limit int) ([]EpisodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, decision_id, commit_hash, sealed_at, bundle_dir, run_file
		 FROM episodes ORDER BY sealed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EpisodeRecord
	for rows.Next() {
		var r EpisodeRecord
		var sealedAt string
		if err := rows.Scan(&r.EpisodeID, &r.DecisionID, &r.CommitHash, &sealedAt, &r.BundleDir, &r.RunFile); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, sealedAt); err == nil {
			r.SealedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanEpisode(row *sql.Row) (*EpisodeRecord, error) {
	var r EpisodeRecord
	var sealedAt string
	if err := row.Scan(&r.EpisodeID, &r.DecisionID, &r.CommitHash, &sealedAt, &r.BundleDir, &r.RunFile); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, sealedAt); err == nil {
		r.SealedAt = t
	}
	return &r, nil
}
