package purgectl

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const journalPrefix = "j:"

// JournalEntry is the summary of one completed network purge.
type JournalEntry struct {
	RequestID   string
	Target      string
	OK          bool
	Reason      string
	Status      int
	Attempts    int
	IssuedAt    time.Time
	CompletedAt time.Time
}

type journalOp struct {
	key   string
	ent   *JournalEntry
	flush chan struct{}
}

// Journal is a size bounded, append only log of purges stored in leveldb.
// Writes go through a single writer goroutine.
type Journal struct {
	maxBytes int64

	db  *leveldb.DB
	log *zap.Logger

	mu        sync.Mutex
	sizes     map[string]int64
	totalSize int64

	closeMu sync.RWMutex
	closed  bool

	ops  chan journalOp
	done chan struct{}
}

// OpenJournal opens or creates the journal at path. Write failures are
// reported to log, which may be nil.
func OpenJournal(path string, maxBytes int64, log *zap.Logger) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		maxBytes: maxBytes,
		db:       db,
		log:      log.Named("journal"),
		sizes:    map[string]int64{},
		ops:      make(chan journalOp, 1024),
		done:     make(chan struct{}),
	}
	if err := j.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go j.writerLoop()
	return j, nil
}

func (j *Journal) loadIndex() error {
	it := j.db.NewIterator(util.BytesPrefix([]byte(journalPrefix)), nil)
	defer it.Release()

	var total int64
	for it.Next() {
		sz := int64(len(it.Key()) + len(it.Value()))
		j.sizes[string(it.Key())] = sz
		total += sz
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "scan journal")
	}
	j.totalSize = total
	return nil
}

func (j *Journal) TotalSize() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totalSize
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.sizes)
}

// Record queues ent for writing. Entries recorded after Close are dropped.
func (j *Journal) Record(ent JournalEntry) {
	key := fmt.Sprintf("%s%020d:%s", journalPrefix, ent.CompletedAt.UnixNano(), ent.RequestID)
	j.send(journalOp{key: key, ent: &ent})
}

// Flush blocks until every entry recorded before the call is written.
func (j *Journal) Flush() {
	ch := make(chan struct{})
	if !j.send(journalOp{flush: ch}) {
		return
	}
	<-ch
}

func (j *Journal) send(op journalOp) bool {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return false
	}
	j.ops <- op
	return true
}

func (j *Journal) Close() error {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.closeMu.Unlock()

	<-j.done
	return j.db.Close()
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (j *Journal) List(limit int) ([]JournalEntry, error) {
	it := j.db.NewIterator(util.BytesPrefix([]byte(journalPrefix)), nil)
	defer it.Release()

	var out []JournalEntry
	for ok := it.Last(); ok; ok = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var ent JournalEntry
		if err := decodeGob(it.Value(), &ent); err != nil {
			continue
		}
		out = append(out, ent)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "read journal")
	}
	return out, nil
}

func (j *Journal) writerLoop() {
	defer close(j.done)
	for op := range j.ops {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		j.applyPut(op.key, op.ent)
	}
}

func (j *Journal) applyPut(key string, ent *JournalEntry) {
	b, err := encodeGob(*ent)
	if err != nil {
		j.log.Warn("journal encode failed", zap.String("request_id", ent.RequestID), zap.Error(err))
		return
	}
	if err := j.db.Put([]byte(key), b, nil); err != nil {
		j.log.Warn("journal write failed", zap.String("request_id", ent.RequestID), zap.Error(err))
		return
	}
	sz := int64(len(key) + len(b))

	j.mu.Lock()
	j.totalSize += sz - j.sizes[key]
	j.sizes[key] = sz
	over := j.totalSize > j.maxBytes
	j.mu.Unlock()

	if over {
		j.evictSome()
	}
}

// evictSome drops the oldest 10% of entries (at least one), always keeping
// the newest. Keys sort by completion time, so the head of the iterator is
// the oldest.
func (j *Journal) evictSome() {
	j.mu.Lock()
	count := len(j.sizes)
	j.mu.Unlock()
	n := count / 10
	if n < 1 {
		n = 1
	}
	if n > count-1 {
		n = count - 1
	}
	if n < 1 {
		return
	}

	it := j.db.NewIterator(util.BytesPrefix([]byte(journalPrefix)), nil)
	batch := new(leveldb.Batch)
	var keys []string
	for len(keys) < n && it.Next() {
		k := string(it.Key())
		keys = append(keys, k)
		batch.Delete([]byte(k))
	}
	err := it.Error()
	it.Release()
	if err == nil {
		err = j.db.Write(batch, nil)
	}
	if err != nil {
		j.log.Warn("journal eviction failed", zap.Int("entries", len(keys)), zap.Error(err))
		return
	}

	j.mu.Lock()
	for _, k := range keys {
		j.totalSize -= j.sizes[k]
		delete(j.sizes, k)
	}
	j.mu.Unlock()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
