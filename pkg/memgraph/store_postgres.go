package memgraph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Postgres driver, registered for database/sql.
	_ "github.com/lib/pq"
)

// PostgresStore persists graph nodes and edges to Postgres for deployments
// where NDJSON files are not enough. The graph stays the source of truth in
// memory; the store is a durable mirror keyed the same way.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgGraphSchema = `
CREATE TABLE IF NOT EXISTS memgraph_nodes (
	id TEXT PRIMARY KEY,
	node_type TEXT NOT NULL,
	node_json JSONB NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS memgraph_edges (
	id TEXT PRIMARY KEY,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS memgraph_edges_from ON memgraph_edges (from_id);
CREATE INDEX IF NOT EXISTS memgraph_edges_to ON memgraph_edges (to_id);
`

// Init creates the schema.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgGraphSchema)
	return err
}

// PutNode upserts one node. Node JSON is the full record; the typed columns
// exist for filtering without decoding.
func (s *PostgresStore) PutNode(ctx context.Context, n Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", n.ID, err)
	}
	query := `
		INSERT INTO memgraph_nodes (id, node_type, node_json, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, n.ID, string(n.Type), raw, n.CreatedAt.UTC())
	return err
}

// PutEdge inserts one edge. Edges are immutable; conflicts are ignored.
func (s *PostgresStore) PutEdge(ctx context.Context, e Edge) error {
	query := `
		INSERT INTO memgraph_edges (id, from_id, to_id, edge_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, e.ID, e.From, e.To, string(e.Type), e.CreatedAt.UTC())
	return err
}

// NodesByType loads all nodes of one type, oldest first.
func (s *PostgresStore) NodesByType(ctx context.Context, t NodeType) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_json FROM memgraph_nodes WHERE node_type = $1 ORDER BY created_at ASC, id ASC`,
		string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var n Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// EdgesSince loads edges created after the given instant.
func (s *PostgresStore) EdgesSince(ctx context.Context, since time.Time) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_id, to_id, edge_type, created_at FROM memgraph_edges WHERE created_at > $1 ORDER BY created_at ASC, id ASC`,
		since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var typ string
		if err := rows.Scan(&e.ID, &e.From, &e.To, &typ, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EdgeType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Mirror subscribes the store to a graph: every node and edge already present
// is written through once.
func (s *PostgresStore) Mirror(ctx context.Context, g *Graph) error {
	snap := g.Snapshot()
	for _, n := range snap.Nodes {
		if err := s.PutNode(ctx, n); err != nil {
			return err
		}
	}
	for _, e := range snap.Edges {
		if err := s.PutEdge(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
