package memgraph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS memgraph_nodes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	require.NoError(t, store.Init(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStorePutNodeAndEdge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	n := Node{ID: "ep-001", Type: NodeEpisode, CreatedAt: graphNow}
	raw, err := json.Marshal(n)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO memgraph_nodes").
		WithArgs("ep-001", "EPISODE", raw, graphNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memgraph_edges").
		WithArgs("E-1", "dlr-1", "ep-001", "PRODUCED", graphNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.PutNode(ctx, n))
	require.NoError(t, store.PutEdge(ctx, Edge{
		ID: "E-1", From: "dlr-1", To: "ep-001", Type: EdgeProduced, CreatedAt: graphNow,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreNodesByType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	n := Node{ID: "drift-1", Type: NodeDrift, CreatedAt: graphNow}
	raw, err := json.Marshal(n)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT node_json FROM memgraph_nodes WHERE node_type").
		WithArgs("DRIFT").
		WillReturnRows(sqlmock.NewRows([]string{"node_json"}).AddRow(raw))

	store := NewPostgresStore(db)
	nodes, err := store.NodesByType(context.Background(), NodeDrift)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "drift-1", nodes[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreEdgesSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	since := graphNow.Add(-time.Hour)
	mock.ExpectQuery("SELECT id, from_id, to_id, edge_type, created_at FROM memgraph_edges").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "from_id", "to_id", "edge_type", "created_at"}).
			AddRow("E-1", "drift-1", "patch-1", "RESOLVED_BY", graphNow))

	store := NewPostgresStore(db)
	edges, err := store.EdgesSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeResolvedBy, edges[0].Type)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMirror(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := graphNow
	g := fixedGraph(&now)
	addNode(t, g, "ep-001", NodeEpisode)
	addNode(t, g, "dlr-1", NodeDLR)
	_, err = g.AddEdge("dlr-1", "ep-001", EdgeProduced)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO memgraph_nodes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memgraph_nodes").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO memgraph_edges").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewPostgresStore(db)
	require.NoError(t, store.Mirror(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}
