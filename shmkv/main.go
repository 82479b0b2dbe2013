package main

/* Tim Henderson (tadh@case.edu)
*
* Copyright (c) 2015, Tim Henderson, Case Western Reserve University
* Cleveland, Ohio 44106. All Rights Reserved.
*
* This library is free software; you can redistribute it and/or modify
* it under the terms of the GNU General Public License as published by
* the Free Software Foundation; either version 3 of the License, or (at
* your option) any later version.
*
* This library is distributed in the hope that it will be useful, but
* WITHOUT ANY WARRANTY; without even the implied warranty of
* MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
* General Public License for more details.
*
* You should have received a copy of the GNU General Public License
* along with this library; if not, write to the Free Software
* Foundation, Inc.,
*   51 Franklin Street, Fifth Floor,
*   Boston, MA  02110-1301
*   USA
 */

import (
	"fmt"
	"io"
	"os"
	"strings"
)

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/timtadh/getopt"
)

import (
	"github.com/timtadh/shmkv"
	"github.com/timtadh/shmkv/config"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/segment"
)

var ErrorCodes map[string]int = map[string]int{
	"usage":    0,
	"opts":     3,
	"badint":   5,
	"config":   6,
	"region":   7,
	"notfound": 8,
	"failed":   9,
}

var UsageMessage string = "shmkv [-c config.yaml] [options] <command> [args]"
var ExtendedMessage string = `
shmkv -- inspect and change a key/record database kept in shared memory

Every process that maps the same file sees the same database. Each
command holds the region's lock while it runs.

Options
  -h, --help                view this message
  -c, --config=<path>       yaml config (path, size, name, log_level)
  -p, --path=<path>         file backing the region (default: test.bin)
  -s, --size=<size>         size of a new region, eg. 128KB (default: 128KB)
                            0 opens an existing region at its size
  -n, --name=<name>         database within the region (default: complex)
  -v, --verbose             debug logging
  --commands                list the commands

Commands
  demo                      emplace, replace and grow example records, print
                            the database before and after
  dump                      print every record in key order
  get <key>                 print one record
  put <key> <a> <b> [byte...]
                            insert or replace a record
  push <key> <byte>         append a byte to a record's payload
  rm <key>                  erase a record
  stats                     allocator statistics and prometheus metrics
`

func Usage(code int) {
	fmt.Fprintln(os.Stderr, UsageMessage)
	if code == 0 {
		fmt.Fprintln(os.Stdout, ExtendedMessage)
		code = ErrorCodes["usage"]
	} else {
		fmt.Fprintln(os.Stderr, "Try -h or --help for help")
	}
	os.Exit(code)
}

func Logger(lvl string, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	if verbose {
		lvl = "debug"
	}
	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

func main() {
	args, optargs, err := getopt.GetOpt(
		os.Args[1:],
		"hc:p:s:n:v",
		[]string{
			"help", "config=", "path=", "size=", "name=", "verbose", "commands",
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		Usage(ErrorCodes["opts"])
	}

	cfg := config.Default()
	for _, oa := range optargs {
		switch oa.Opt() {
		case "-c", "--config":
			cfg, err = config.Load(oa.Arg())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				Usage(ErrorCodes["config"])
			}
		}
	}

	verbose := false
	for _, oa := range optargs {
		switch oa.Opt() {
		case "-h", "--help":
			Usage(0)
		case "-c", "--config":
		case "-p", "--path":
			cfg.Path = oa.Arg()
		case "-s", "--size":
			if err := cfg.SetSize(oa.Arg()); err != nil {
				fmt.Fprintln(os.Stderr, err)
				Usage(ErrorCodes["badint"])
			}
		case "-n", "--name":
			cfg.Name = oa.Arg()
		case "-v", "--verbose":
			verbose = true
		case "--commands":
			fmt.Fprintf(os.Stderr, "Commands\n")
			for name := range Commands {
				fmt.Fprintf(os.Stderr, "  %v\n", name)
			}
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown flag '%v'\n", oa.Opt())
			Usage(ErrorCodes["opts"])
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		Usage(ErrorCodes["config"])
	}

	if len(args) <= 0 {
		fmt.Fprintln(os.Stderr, "Must supply a command, try --commands")
		Usage(ErrorCodes["opts"])
	}

	logger := Logger(cfg.LogLevel, verbose)
	seg, err := segment.Open(cfg.Path, cfg.Size.Bytes(), segment.WithLogger(logger))
	if err != nil {
		level.Error(logger).Log("msg", "could not open the region", "path", cfg.Path, "err", err)
		os.Exit(ErrorCodes["region"])
	}
	err = Run(seg, cfg.Name, args, os.Stdout)
	if e := seg.Close(); e != nil && err == nil {
		err = e
	}
	if err != nil {
		level.Error(logger).Log("msg", "command failed", "command", args[0], "err", err)
		if errors.Is(err, errors.KeyNotFound) {
			os.Exit(ErrorCodes["notfound"])
		}
		os.Exit(ErrorCodes["failed"])
	}
}

// Run opens the database called name in seg and runs the command in
// args[0] on it, holding the region's lock throughout.
func Run(seg *segment.Segment, name string, args []string, w io.Writer) (err error) {
	if len(args) == 0 {
		return errors.Errorf("no command given")
	}
	cmd, has := Commands[args[0]]
	if !has {
		return errors.Errorf("unknown command %q", args[0])
	}
	r := seg.Region()
	if err := r.Lock(); err != nil {
		return err
	}
	defer func() {
		if e := r.Sync(); e != nil && err == nil {
			err = e
		}
		if e := r.Unlock(); e != nil && err == nil {
			err = e
		}
	}()
	db, err := shmkv.Open(seg, name)
	if err != nil {
		return err
	}
	return cmd(db, w, args[1:])
}
