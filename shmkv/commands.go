package main

import (
	"fmt"
	"io"
	"strconv"
)

import (
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

import (
	"github.com/timtadh/shmkv"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/metrics"
	"github.com/timtadh/shmkv/record"
)

type Command func(db *shmkv.Database, w io.Writer, args []string) error

var Commands map[string]Command

func init() {
	Commands = map[string]Command{
		"demo":  Demo,
		"dump":  Dump,
		"get":   Get,
		"put":   Put,
		"push":  Push,
		"rm":    Remove,
		"stats": Stats,
	}
}

// Demo emplaces three records, replaces two, adds a fourth and grows
// its payload in place, printing the database before and after.
func Demo(db *shmkv.Database, w io.Writer, args []string) error {
	for _, r := range []struct {
		key     string
		a, b    int32
		payload []byte
	}{
		{"one", 1, 2, []byte{1, 2}},
		{"two", 2, 3, []byte{4}},
		{"three", 3, 4, []byte{5, 8}},
	} {
		if _, _, err := db.Emplace(r.key, r.a, r.b, r.payload); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "\n=== Before updates\n%v\n", db)

	// a temporary record is moved over "one"
	tmp, err := record.New(db.Segment().Adapter(), 1, 20, []byte{7, 8, 9})
	if err != nil {
		return err
	}
	if _, err := db.Assign("one", tmp); err != nil {
		return err
	}
	if err := tmp.Destroy(); err != nil {
		return err
	}

	if _, err := db.Upsert("one", 1, 20, []byte{7, 8, 9}); err != nil {
		return err
	}
	if _, err := db.Upsert("two", 2, 30, nil); err != nil {
		return err
	}
	if _, err := db.Upsert("nine", 9, 100, []byte{5, 6}); err != nil {
		return err
	}
	nine, err := db.At("nine")
	if err != nil {
		return err
	}
	if err := nine.Payload().PushBack(42); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n=== After updates\n%v\n", db)
	return nil
}

func Dump(db *shmkv.Database, w io.Writer, args []string) error {
	if err := db.Dump(w); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func Get(db *shmkv.Database, w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: get <key>")
	}
	rec, err := db.At(args[0])
	if err != nil {
		return err
	}
	return printRecord(w, args[0], rec)
}

func Put(db *shmkv.Database, w io.Writer, args []string) error {
	if len(args) < 3 {
		return errors.Errorf("usage: put <key> <a> <b> [byte...]")
	}
	a, err := parseInt32(args[1])
	if err != nil {
		return err
	}
	b, err := parseInt32(args[2])
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(args)-3)
	for _, arg := range args[3:] {
		x, err := parseByte(arg)
		if err != nil {
			return err
		}
		payload = append(payload, x)
	}
	rec, err := db.Upsert(args[0], a, b, payload)
	if err != nil {
		return err
	}
	return printRecord(w, args[0], rec)
}

func Push(db *shmkv.Database, w io.Writer, args []string) error {
	if len(args) != 2 {
		return errors.Errorf("usage: push <key> <byte>")
	}
	x, err := parseByte(args[1])
	if err != nil {
		return err
	}
	rec, err := db.At(args[0])
	if err != nil {
		return err
	}
	if err := rec.Payload().PushBack(x); err != nil {
		return err
	}
	return printRecord(w, args[0], rec)
}

func Remove(db *shmkv.Database, w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: rm <key>")
	}
	ok, err := db.Erase(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.KeyNotFound, "%q", args[0])
	}
	return nil
}

func Stats(db *shmkv.Database, w io.Writer, args []string) error {
	seg := db.Segment()
	st, err := seg.Stats()
	if err != nil {
		return err
	}
	n, err := db.Len()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "region %v: %v used of %v, %v free in %d blocks\n",
		seg.Region().ID(), humanize.IBytes(st.Used), humanize.IBytes(st.Capacity),
		humanize.IBytes(st.Free), st.FreeBlocks)
	fmt.Fprintf(w, "%s allocations, %s frees, %d named objects, %d records in %q\n",
		humanize.Comma(int64(st.Allocs)), humanize.Comma(int64(st.Frees)), st.Named, n, db.Name())

	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(seg, prometheus.Labels{"db": db.Name()})); err != nil {
		return errors.WithStack(err)
	}
	families, err := reg.Gather()
	if err != nil {
		return errors.WithStack(err)
	}
	return writeFamilies(w, families)
}

func writeFamilies(w io.Writer, families []*dto.MetricFamily) error {
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func printRecord(w io.Writer, key string, rec record.Record) error {
	a, b, err := rec.Fields()
	if err != nil {
		return err
	}
	payload, err := rec.Payload().Join(",")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "{%s: %d,%d, [%s]}\n", key, a, b, payload)
	return err
}

func parseInt32(str string) (int32, error) {
	i, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return 0, errors.Errorf("error parsing '%v' expected an int32", str)
	}
	return int32(i), nil
}

func parseByte(str string) (byte, error) {
	i, err := strconv.ParseUint(str, 10, 8)
	if err != nil {
		return 0, errors.Errorf("error parsing '%v' expected a byte", str)
	}
	return byte(i), nil
}
