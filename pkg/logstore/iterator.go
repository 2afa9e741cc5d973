package logstore

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/credmesh/credmesh/pkg/fault"
)

// Iterator streams a log one record at a time with constant memory. It is
// finite (bounded by file length at open time) and restartable: Cursor after
// any record can seed a later Scan.
type Iterator struct {
	file    *os.File
	scanner *bufio.Scanner
	cursor  int64
	record  []byte
	err     error
}

// Scan opens a streaming iterator starting at the byte-offset cursor.
// A missing file yields an empty iterator, not an error.
func (l *Log) Scan(cursor int64) (*Iterator, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Iterator{cursor: cursor}, nil
		}
		return nil, fault.Wrap(fault.KindFilesystem, err, "opening log for scan")
	}
	if cursor > 0 {
		if _, err := f.Seek(cursor, 0); err != nil {
			_ = f.Close()
			return nil, fault.Wrap(fault.KindFilesystem, err, "seeking to cursor")
		}
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &Iterator{file: f, scanner: sc, cursor: cursor}, nil
}

// Next advances to the next record. It returns false at end of file or on
// the first corrupt line.
func (it *Iterator) Next() bool {
	if it.scanner == nil || it.err != nil {
		return false
	}
	if !it.scanner.Scan() {
		if err := it.scanner.Err(); err != nil {
			it.err = fault.Wrap(fault.KindFilesystem, err, "reading log line")
		}
		return false
	}
	line := it.scanner.Bytes()
	it.cursor += int64(len(line)) + 1
	if !json.Valid(line) {
		it.err = fault.Newf(fault.KindCorrupt, "unparseable line at cursor %d", it.cursor)
		return false
	}
	it.record = line
	return true
}

// Record returns the current line. Valid until the next call to Next.
func (it *Iterator) Record() []byte { return it.record }

// Decode unmarshals the current record into v.
func (it *Iterator) Decode(v any) error {
	if err := json.Unmarshal(it.record, v); err != nil {
		return fault.Wrap(fault.KindCorrupt, err, "decoding record")
	}
	return nil
}

// Cursor returns the byte offset just past the current record.
func (it *Iterator) Cursor() int64 { return it.cursor }

// Err returns the terminal error, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the underlying file.
func (it *Iterator) Close() {
	if it.file != nil {
		_ = it.file.Close()
		it.file = nil
	}
}
