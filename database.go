package shmkv

import (
	"fmt"
	"io"
	"strings"
)

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

import (
	"github.com/timtadh/shmkv/omap"
	"github.com/timtadh/shmkv/record"
	"github.com/timtadh/shmkv/segment"
)

// Database is an ordered map from string keys to records, stored in a
// segment under a name. Every process that opens the same segment and
// name sees the same map.
type Database struct {
	seg    *segment.Segment
	name   string
	m      *omap.Map[record.Record]
	logger log.Logger
}

// Open finds the database called name in seg, creating an empty one if
// no process has made it yet.
func Open(seg *segment.Segment, name string) (*Database, error) {
	at, created, err := seg.FindOrCreate(name, omap.HeaderSize, omap.Ctor)
	if err != nil {
		return nil, err
	}
	logger := log.With(seg.Logger(), "db", name)
	if created {
		level.Info(logger).Log("msg", "created database", "offset", at)
	} else {
		level.Debug(logger).Log("msg", "opened database", "offset", at)
	}
	return &Database{
		seg:    seg,
		name:   name,
		m:      omap.At(seg.Adapter(), at, record.Type{}),
		logger: logger,
	}, nil
}

// Drop destroys the database called name and everything in it.
func Drop(seg *segment.Segment, name string) error {
	return seg.Destroy(name, omap.Dtor[record.Record](record.Type{}))
}

func (self *Database) Name() string {
	return self.name
}

func (self *Database) Segment() *segment.Segment {
	return self.seg
}

// Emplace inserts a record under key unless key is already present,
// in which case the existing record is returned untouched and inserted
// is false.
func (self *Database) Emplace(key string, a, b int32, payload []byte) (rec record.Record, inserted bool, err error) {
	return self.m.Emplace([]byte(key), record.Ctor(a, b, payload))
}

// Upsert stores a record under key, replacing any record already
// there.
func (self *Database) Upsert(key string, a, b int32, payload []byte) (record.Record, error) {
	rec, replaced, err := self.m.Upsert([]byte(key), record.Ctor(a, b, payload))
	if err != nil {
		return rec, err
	}
	if replaced {
		level.Debug(self.logger).Log("msg", "replaced record", "key", key)
	}
	return rec, nil
}

// Assign moves rec into the database under key. rec may live in
// another region, in which case it is copied and its payload released.
func (self *Database) Assign(key string, rec record.Record) (record.Record, error) {
	return self.m.Assign([]byte(key), record.MoveCtor(rec))
}

// Lookup finds the record under key without changing the database.
func (self *Database) Lookup(key string) (record.Record, bool, error) {
	return self.m.Lookup([]byte(key))
}

// At is the record under key, or errors.KeyNotFound.
func (self *Database) At(key string) (record.Record, error) {
	return self.m.At([]byte(key))
}

func (self *Database) Erase(key string) (bool, error) {
	return self.m.Erase([]byte(key))
}

func (self *Database) Len() (int, error) {
	return self.m.Len()
}

func (self *Database) Clear() error {
	return self.m.Clear()
}

// Iterate walks the records in key order.
func (self *Database) Iterate() (it Iterator, err error) {
	mi, err := self.m.Iterate()
	if err != nil {
		return nil, err
	}
	return wrap(mi), nil
}

func wrap(mi omap.Iterator[record.Record]) (it Iterator) {
	it = func() (string, record.Record, error, Iterator) {
		key, rec, err, next := mi()
		if next == nil {
			return "", rec, err, nil
		}
		mi = next
		return string(key), rec, nil, it
	}
	return it
}

func (self *Database) Do(do func(key string, rec record.Record) error) error {
	return Do(self.Iterate, do)
}

// Locked runs do while holding the segment's region lock, which is how
// processes sharing a database serialize their changes.
func (self *Database) Locked(do func(*Database) error) (err error) {
	r := self.seg.Region()
	if err := r.Lock(); err != nil {
		return err
	}
	defer func() {
		if e := r.Unlock(); e != nil && err == nil {
			err = e
		}
	}()
	return do(self)
}

// Dump writes the database in the form
//
//	db has 2 elements: {one: 1,2, [1,2,]} {two: 2,30, []}
func (self *Database) Dump(w io.Writer) error {
	n, err := self.Len()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "db has %d elements:", n); err != nil {
		return err
	}
	return self.Do(func(key string, rec record.Record) error {
		a, b, err := rec.Fields()
		if err != nil {
			return err
		}
		payload, err := rec.Payload().Join(",")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, " {%s: %d,%d, [%s]}", key, a, b, payload)
		return err
	})
}

func (self *Database) String() string {
	var sb strings.Builder
	if err := self.Dump(&sb); err != nil {
		return fmt.Sprintf("<db %v: %v>", self.name, err)
	}
	return sb.String()
}
