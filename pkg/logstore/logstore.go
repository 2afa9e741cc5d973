// Package logstore implements the append-only log contract: one logical log
// per (tenant, node, kind), stored as newline-delimited canonical JSON.
// Records are never modified, deleted, or truncated.
package logstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/credmesh/credmesh/pkg/canonicalize"
	"github.com/credmesh/credmesh/pkg/fault"
)

// Kind names a logical log within a node.
type Kind string

const (
	KindEnvelopes    Kind = "envelopes"
	KindValidations  Kind = "validations"
	KindAggregates   Kind = "aggregates"
	KindSealChain    Kind = "seal_chain"
	KindReplication  Kind = "replication"
	KindAuthority    Kind = "authority_ledger"
	KindTransparency Kind = "transparency_log"
	KindIncidents    Kind = "incidents"
	KindGraphNodes   Kind = "graph_nodes"
	KindGraphEdges   Kind = "graph_edges"
)

// Store hands out single-writer logs under a storage root.
type Store struct {
	root string

	mu   sync.Mutex
	logs map[string]*Log
}

// NewStore creates a store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root, logs: make(map[string]*Log)}
}

// Log returns the log for (tenant, node, kind), creating its directory on
// first use. The same *Log is returned for repeated calls, so the per-log
// append mutex serializes all writers in this process.
func (s *Store) Log(tenant, node string, kind Kind) (*Log, error) {
	key := tenant + "/" + node + "/" + string(kind)

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[key]; ok {
		return l, nil
	}

	dir := filepath.Join(s.root, tenant, node)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindFilesystem, err, "creating log directory")
	}
	l := &Log{path: filepath.Join(dir, string(kind)+".ndjson")}
	s.logs[key] = l
	return l, nil
}

// Log is a single append-only NDJSON file.
type Log struct {
	mu   sync.Mutex
	path string
}

// OpenLog opens a log at an explicit path (used by pack verification, which
// reads exported bundles outside a storage root).
func OpenLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Append canonicalizes v and appends it as one line. The write is atomic: the
// new content is assembled in a temp sibling which is renamed over the log.
func (l *Log) Append(v any) error {
	line, err := canonicalize.Canonical(v)
	if err != nil {
		return fault.Wrap(fault.KindInputInvalid, err, "record is not canonicalizable")
	}
	return l.appendLine(line)
}

func (l *Log) appendLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fault.Wrap(fault.KindFilesystem, err, "opening temp sibling")
	}

	if in, err := os.Open(l.path); err == nil {
		_, copyErr := io.Copy(out, in)
		_ = in.Close()
		if copyErr != nil {
			_ = out.Close()
			return fault.Wrap(fault.KindFilesystem, copyErr, "copying existing log")
		}
	} else if !os.IsNotExist(err) {
		_ = out.Close()
		return fault.Wrap(fault.KindFilesystem, err, "reading existing log")
	}

	if _, err := out.Write(append(line, '\n')); err != nil {
		_ = out.Close()
		return fault.Wrap(fault.KindFilesystem, err, "writing record")
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fault.Wrap(fault.KindFilesystem, err, "fsync")
	}
	if err := out.Close(); err != nil {
		return fault.Wrap(fault.KindFilesystem, err, "closing temp sibling")
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fault.Wrap(fault.KindFilesystem, err, "renaming temp sibling")
	}
	return nil
}

// Count scans the log line by line and returns the record count without
// retaining lines in memory.
func (l *Log) Count() (int, error) {
	it, err := l.Scan(0)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	n := 0
	for it.Next() {
		n++
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// LoadAll reads every record into memory. Only assembly and commit paths,
// which mutate the whole list, may call this; consumers use Scan.
func (l *Log) LoadAll() ([][]byte, error) {
	it, err := l.Scan(0)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records [][]byte
	for it.Next() {
		rec := make([]byte, len(it.Record()))
		copy(rec, it.Record())
		records = append(records, rec)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Exists reports whether the backing file has been created.
func (l *Log) Exists() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

func (l *Log) String() string {
	return fmt.Sprintf("logstore.Log(%s)", l.path)
}
