package shmkv

import (
	"github.com/timtadh/shmkv/record"
)

type Iterator func() (string, record.Record, error, Iterator)

func Do(run func() (Iterator, error), do func(key string, rec record.Record) error) error {
	it, err := run()
	if err != nil {
		return err
	}
	var key string
	var rec record.Record
	for key, rec, err, it = it(); it != nil; key, rec, err, it = it() {
		e := do(key, rec)
		if e != nil {
			return e
		}
	}
	return err
}

// Keys lists the keys of db in order.
func Keys(db *Database) (keys []string, err error) {
	err = db.Do(func(key string, _ record.Record) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}
