// Package journal keeps a persistent record of transfer outcomes on LevelDB.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var ErrClosed = errors.New("journal closed")

// Entry is the outcome of one download or upload.
type Entry struct {
	Seq        uint64    `json:"-"`
	File       string    `json:"file"`
	Direction  string    `json:"direction"`
	Transport  string    `json:"transport"`
	Peer       string    `json:"peer,omitempty"`
	Bytes      int64     `json:"bytes"`
	Length     int64     `json:"length"`
	Recoveries int       `json:"recoveries"`
	OK         bool      `json:"ok"`
	At         time.Time `json:"at"`
}

func (e Entry) String() string {
	status := "ok"
	if !e.OK {
		status = "failed"
	}
	return fmt.Sprintf("#%d %s %s %s/%s %d/%d recoveries=%d %s",
		e.Seq, e.At.Format(time.DateTime), e.Direction, e.Transport, e.File,
		e.Bytes, e.Length, e.Recoveries, status)
}

// Journal appends entries under a big-endian sequence key, so key order is
// insertion order.
type Journal struct {
	path string
	db   *leveldb.DB
	seq  uint64

	mu sync.Mutex
}

// Open opens or creates the journal at path. An empty path keeps the journal
// in memory.
func Open(path string) (*Journal, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, &opt.Options{
			Filter: filter.NewBloomFilter(10),
		})
		if _, corrupted := err.(*lerrors.ErrCorrupted); corrupted {
			db, err = leveldb.RecoverFile(path, nil)
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %q", path)
	}

	j := &Journal{path: path, db: db}
	it := db.NewIterator(nil, nil)
	if it.Last() {
		j.seq = binary.BigEndian.Uint64(it.Key())
	}
	it.Release()
	if err := it.Error(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "scan journal")
	}
	return j, nil
}

func key(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Append stores e under the next sequence number and returns it.
func (j *Journal) Append(e Entry) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return 0, ErrClosed
	}

	if e.At.IsZero() {
		e.At = time.Now()
	}
	val, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	seq := j.seq + 1
	if err := j.db.Put(key(seq), val, nil); err != nil {
		return 0, errors.Wrap(err, "append journal entry")
	}
	j.seq = seq
	return seq, nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, ErrClosed
	}

	var out []Entry
	it := j.db.NewIterator(nil, nil)
	defer it.Release()
	for ok := it.Last(); ok && len(out) < n; ok = it.Prev() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return out, errors.Wrapf(err, "decode journal entry %x", it.Key())
		}
		e.Seq = binary.BigEndian.Uint64(it.Key())
		out = append(out, e)
	}
	return out, it.Error()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
