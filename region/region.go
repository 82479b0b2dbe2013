package region

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

import (
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

import (
	"github.com/timtadh/shmkv/consts"
	"github.com/timtadh/shmkv/errors"
	"github.com/timtadh/shmkv/slice"
)

// PAGESIZE is the granularity of a region's capacity.
const PAGESIZE = 4096

// MINSIZE is the smallest region that leaves room for an allocation.
const MINSIZE = consts.HEADERSIZE + PAGESIZE

// Control holds the roots other packages keep in the header. The
// allocator owns the Heap fields, the segment owns the Names fields.
type Control struct {
	HeapFreeHead uint64
	HeapFreeLen  uint64
	HeapBrk      uint64
	HeapUsed     uint64
	HeapAllocs   uint64
	HeapFrees    uint64
	NamesHead    uint64
	NamesLen     uint64
}

type header struct {
	magic    uint32
	version  uint32
	checksum uint64
	size     uint64
	id       [16]byte
	ctrl     Control
}

const headerSize = 104

// checksummed bytes start after magic, version and checksum
const checksumFrom = 16

func init() {
	var h header
	if unsafe.Sizeof(h) != headerSize {
		panic("the region header was an unexpected size")
	}
	if headerSize > consts.HEADERSIZE {
		panic("the region header does not fit in the header block")
	}
}

type Option func(*Region)

func WithLogger(logger log.Logger) Option {
	return func(r *Region) {
		r.logger = logger
	}
}

// fileID is the device and inode of a region's backing file. It is
// zero for anonymous regions.
type fileID struct {
	dev uint64
	ino uint64
}

// Region is one process's mapping of a shared region.
type Region struct {
	path        string
	file        *os.File
	mmap        []byte
	size        uint64
	id          uuid.UUID
	fid         fileID
	opened      bool
	ctrlMu      sync.Mutex
	anonLock    sync.RWMutex
	outstanding int64
	logger      log.Logger
}

// OpenOrCreate maps the region stored at path. A missing or empty file
// is created with the given size and a fresh header. An existing file
// must have exactly size bytes, unless size is 0 in which case its
// current size is used.
func OpenOrCreate(path string, size uint64, opts ...Option) (*Region, error) {
	if size != 0 {
		if err := checkSize(size); err != nil {
			return nil, err
		}
	}
	r := newRegion(path, opts)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrapf(errors.RegionUnavailable, "open %v: %v", path, err)
	}
	r.file = f
	err = r.initialize(size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Anonymous creates a region backed by no file. It is only shared with
// processes forked after its creation, which makes it good for tests
// and scratch space.
func Anonymous(size uint64, opts ...Option) (*Region, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	r := newRegion("", opts)
	mmap, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(errors.RegionUnavailable, "anonymous mmap of %d bytes: %v", size, err)
	}
	r.mmap = mmap
	r.size = size
	r.opened = true
	r.format()
	level.Debug(r.logger).Log("msg", "created anonymous region", "size", size, "id", r.id)
	return r, nil
}

func newRegion(path string, opts []Option) *Region {
	r := &Region{
		path:   path,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func checkSize(size uint64) error {
	if size < MINSIZE {
		return errors.Wrapf(errors.RegionUnavailable, "size %d is smaller than the minimum %d", size, MINSIZE)
	}
	if size%PAGESIZE != 0 {
		return errors.Wrapf(errors.RegionUnavailable, "size %d must be divisible by %d", size, PAGESIZE)
	}
	return nil
}

// initialize runs under an exclusive flock so two processes racing to
// create the same region cannot both format it.
func (r *Region) initialize(size uint64) error {
	fd := int(r.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return errors.Wrapf(errors.RegionUnavailable, "flock %v: %v", r.path, err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return errors.Wrapf(errors.RegionUnavailable, "stat %v: %v", r.path, err)
	}
	r.fid = fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	existing := uint64(st.Size)
	create := existing == 0
	if create {
		if size == 0 {
			return errors.Wrapf(errors.RegionUnavailable, "%v does not exist and no size was given", r.path)
		}
		if err := r.file.Truncate(int64(size)); err != nil {
			return errors.Wrapf(errors.RegionUnavailable, "truncate %v: %v", r.path, err)
		}
	} else if size != 0 && existing != size {
		level.Warn(r.logger).Log("msg", "region size mismatch", "path", r.path, "want", size, "have", existing)
		return errors.Wrapf(errors.RegionUnavailable, "%v has %d bytes, expected %d", r.path, existing, size)
	} else {
		size = existing
		if err := checkSize(size); err != nil {
			return err
		}
	}
	mmap, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrapf(errors.RegionUnavailable, "mmap %v: %v", r.path, err)
	}
	r.mmap = mmap
	r.size = size
	if create {
		r.format()
		level.Info(r.logger).Log("msg", "created region", "path", r.path, "size", size, "id", r.id)
	} else {
		if err := r.validate(); err != nil {
			unix.Munmap(mmap)
			r.mmap = nil
			return err
		}
		level.Info(r.logger).Log("msg", "opened region", "path", r.path, "size", size, "id", r.id)
	}
	r.opened = true
	return nil
}

func (r *Region) header() *header {
	return slice.As[header](r.mmap[:headerSize])
}

func (r *Region) format() {
	copy(r.mmap[:consts.HEADERSIZE], make([]byte, consts.HEADERSIZE))
	h := r.header()
	h.magic = consts.MAGIC
	h.version = consts.VERSION
	h.size = r.size
	r.id = uuid.New()
	h.id = r.id
	h.ctrl.HeapBrk = consts.HEADERSIZE
	h.checksum = r.checksum()
}

func (r *Region) validate() error {
	h := r.header()
	if h.magic != consts.MAGIC {
		return errors.Wrapf(errors.RegionUnavailable, "%v is not a region (magic %x)", r.path, h.magic)
	}
	if h.version != consts.VERSION {
		return errors.Wrapf(errors.RegionUnavailable, "%v has version %d, expected %d", r.path, h.version, consts.VERSION)
	}
	if h.size != r.size {
		return errors.Wrapf(errors.Corrupt, "%v header says %d bytes but the file has %d", r.path, h.size, r.size)
	}
	if sum := r.checksum(); sum != h.checksum {
		return errors.Wrapf(errors.Corrupt, "bad header checksum %x != %x", sum, h.checksum)
	}
	r.id = uuid.UUID(h.id)
	return nil
}

func (r *Region) checksum() uint64 {
	return xxhash.Sum64(r.mmap[checksumFrom:headerSize])
}

// Control runs do with the header's Control block. Calls are serialized
// within this mapping. do must not call Control again.
func (r *Region) Control(do func(*Control) error) error {
	if !r.opened {
		return r.closedErr()
	}
	r.ctrlMu.Lock()
	defer r.ctrlMu.Unlock()
	atomic.AddInt64(&r.outstanding, 1)
	defer atomic.AddInt64(&r.outstanding, -1)
	h := r.header()
	err := do(&h.ctrl)
	h.checksum = r.checksum()
	return err
}

// Do resolves [off, off+n) and hands the bytes to do. The slice must
// not outlive the call.
func (r *Region) Do(off, n uint64, do func([]byte) error) error {
	bytes, err := r.get(off, n)
	if err != nil {
		return err
	}
	defer r.release(bytes)
	return do(bytes)
}

// get resolves [off, off+n). Every get must be paired with a release.
func (r *Region) get(off, n uint64) ([]byte, error) {
	if !r.opened {
		return nil, r.closedErr()
	}
	if off < consts.HEADERSIZE {
		return nil, errors.Errorf("offset %d points into the region header", off)
	}
	end := off + n
	if end < off || end > r.size {
		return nil, errors.Errorf("view outside of the region, (%d) %d + %d > %d", end, off, n, r.size)
	}
	atomic.AddInt64(&r.outstanding, 1)
	return r.mmap[off:end:end], nil
}

func (r *Region) release(bytes []byte) error {
	if len(bytes) > 0 {
		base := uintptr(slice.Pointer(r.mmap))
		ptr := uintptr(slice.Pointer(bytes))
		if ptr < base || ptr+uintptr(len(bytes)) > base+uintptr(r.size) {
			return errors.Errorf("tried to release bytes that are not in this mapping")
		}
	}
	if atomic.AddInt64(&r.outstanding, -1) < 0 {
		atomic.AddInt64(&r.outstanding, 1)
		return errors.Errorf("tried to release with no outstanding views (double release?)")
	}
	return nil
}

func (r *Region) Outstanding() int {
	return int(atomic.LoadInt64(&r.outstanding))
}

func (r *Region) closedErr() error {
	return errors.Wrapf(errors.RegionUnavailable, "region %v is closed", r.id)
}

func (r *Region) ID() uuid.UUID {
	return r.id
}

// Same reports whether r and o map the same region. Both must carry
// the same ID and, when file backed, the same backing file. A byte
// copy of a region file keeps the ID but is a different region.
func (r *Region) Same(o *Region) bool {
	if r == nil || o == nil {
		return false
	}
	if r == o {
		return true
	}
	return r.id == o.id && r.fid == o.fid
}

func (r *Region) Path() string {
	return r.path
}

// Size is the capacity in bytes, header included.
func (r *Region) Size() uint64 {
	return r.size
}

// Base is the address of this process's mapping. It differs between
// processes and is only useful for diagnostics.
func (r *Region) Base() uintptr {
	if !r.opened {
		return 0
	}
	return uintptr(slice.Pointer(r.mmap))
}

func (r *Region) Opened() bool {
	return r.opened
}

func (r *Region) Sync() error {
	if !r.opened {
		return r.closedErr()
	}
	if err := unix.Msync(r.mmap, unix.MS_SYNC); err != nil {
		return errors.Errorf("msync failed, %v", err)
	}
	return nil
}

func (r *Region) Close() error {
	if !r.opened {
		return errors.Errorf("region was already closed")
	}
	if r.Outstanding() > 0 {
		return errors.Errorf("tried to close the region when there were %d outstanding views", r.Outstanding())
	}
	if err := unix.Munmap(r.mmap); err != nil {
		return errors.Errorf("munmap failed, %v", err)
	}
	r.mmap = nil
	r.opened = false
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return errors.WithStack(err)
		}
		r.file = nil
	}
	level.Debug(r.logger).Log("msg", "closed region", "path", r.path, "id", r.id)
	return nil
}

// Remove deletes the backing file. The region must be closed first.
func (r *Region) Remove() error {
	if r.opened {
		return errors.Errorf("expected the region to be closed")
	}
	if r.path == "" {
		return nil
	}
	return errors.WithStack(os.Remove(r.path))
}
