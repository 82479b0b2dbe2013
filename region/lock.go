package region

import (
	"golang.org/x/sys/unix"
)

import (
	"github.com/timtadh/shmkv/errors"
)

// Lock takes an exclusive advisory lock on the backing file, blocking
// until it is granted. It excludes every other process (and every other
// mapping in this process) that also uses Lock or RLock. Nothing in this
// module takes it implicitly.
//
// Anonymous regions have no file; they fall back to an in-process
// read/write mutex.
func (r *Region) Lock() error {
	return r.flock(unix.LOCK_EX, r.anonLock.Lock)
}

func (r *Region) Unlock() error {
	return r.flock(unix.LOCK_UN, r.anonLock.Unlock)
}

// RLock takes a shared advisory lock on the backing file.
func (r *Region) RLock() error {
	return r.flock(unix.LOCK_SH, r.anonLock.RLock)
}

func (r *Region) RUnlock() error {
	return r.flock(unix.LOCK_UN, r.anonLock.RUnlock)
}

func (r *Region) flock(how int, anon func()) error {
	if !r.opened {
		return r.closedErr()
	}
	if r.file == nil {
		anon()
		return nil
	}
	for {
		err := unix.Flock(int(r.file.Fd()), how)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return errors.Errorf("flock %v failed, %v", r.path, err)
		}
		return nil
	}
}
