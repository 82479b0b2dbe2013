package consts

import (
	"encoding/binary"
)

// Flag is the first word of every structure stored in a region. It
// tells the reader what kind of structure it is looking at.
type Flag uint32

// The region header occupies the first HEADERSIZE bytes. Nothing is
// ever allocated below it, so offset 0 can serve as nil.
const HEADERSIZE = 4096

// Every allocation is aligned to and rounded up to ALIGN bytes.
const ALIGN = 16

const MAGIC uint32 = 0x6b6d6873 // "shmk"
const VERSION uint32 = 1

const (
	HEAP_USED Flag = 1 << iota
	HEAP_FREE
	NAMED_ENTRY
	MAP_CTRL
	MAP_NODE
)

func AsFlag(bytes []byte) Flag {
	return Flag(binary.LittleEndian.Uint32(bytes[:4]))
}

func (f Flag) String() string {
	switch f {
	case HEAP_USED:
		return "heap-used"
	case HEAP_FREE:
		return "heap-free"
	case NAMED_ENTRY:
		return "named-entry"
	case MAP_CTRL:
		return "map-ctrl"
	case MAP_NODE:
		return "map-node"
	}
	return "unknown"
}
