package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/fault"
)

func TestStoreAppendAndCount(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("tenant-1", "node-a", KindEnvelopes)
	require.NoError(t, err)

	require.NoError(t, l.Append(map[string]any{"envelope_id": "env-1", "seq": 1}))
	require.NoError(t, l.Append(map[string]any{"envelope_id": "env-2", "seq": 2}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreReturnsSameLogInstance(t *testing.T) {
	s := NewStore(t.TempDir())
	a, err := s.Log("t", "n", KindSealChain)
	require.NoError(t, err)
	b, err := s.Log("t", "n", KindSealChain)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestAppendLinesAreCanonical(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("t", "n", KindValidations)
	require.NoError(t, err)
	require.NoError(t, l.Append(map[string]any{"b": 2, "a": 1}))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1,\"b\":2}\n", string(raw))
}

func TestScanStreamingWithCursor(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("t", "n", KindAggregates)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(map[string]any{"i": i}))
	}

	it, err := l.Scan(0)
	require.NoError(t, err)
	defer it.Close()

	var cursorAfterTwo int64
	count := 0
	for it.Next() {
		count++
		if count == 2 {
			cursorAfterTwo = it.Cursor()
		}
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 5, count)

	// Restart from the saved cursor: only the remaining three records.
	it2, err := l.Scan(cursorAfterTwo)
	require.NoError(t, err)
	defer it2.Close()
	rest := 0
	for it2.Next() {
		rest++
	}
	require.NoError(t, it2.Err())
	assert.Equal(t, 3, rest)
}

func TestScanMissingFileYieldsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("t", "n", KindReplication)
	require.NoError(t, err)

	it, err := l.Scan(0)
	require.NoError(t, err)
	defer it.Close()
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestCorruptLineFailsWithCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ndjson")
	require.NoError(t, os.WriteFile(path, []byte("{\"ok\":1}\nnot-json\n"), 0o644))

	l := OpenLog(path)
	it, err := l.Scan(0)
	require.NoError(t, err)
	defer it.Close()

	assert.True(t, it.Next())
	assert.False(t, it.Next())
	assert.True(t, fault.Is(it.Err(), fault.KindCorrupt))
}

func TestLoadAll(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("t", "n", KindAuthority)
	require.NoError(t, err)
	require.NoError(t, l.Append(map[string]any{"seq": 1}))
	require.NoError(t, l.Append(map[string]any{"seq": 2}))

	all, err := l.LoadAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.JSONEq(t, `{"seq":1}`, string(all[0]))
}

func TestAppendNeverTruncates(t *testing.T) {
	s := NewStore(t.TempDir())
	l, err := s.Log("t", "n", KindIncidents)
	require.NoError(t, err)
	require.NoError(t, l.Append(map[string]any{"id": "a"}))
	before, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	require.NoError(t, l.Append(map[string]any{"id": "b"}))
	after, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after[:len(before)]))
}
