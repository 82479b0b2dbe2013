/*
Shared memory REGION

The region package maps a file into memory with MAP_SHARED so that any
number of processes can map the same bytes. Each process gets the
mapping at whatever virtual address its kernel picks, so nothing inside
a region may store an address. Everything refers to everything else by
its offset from the start of the region.

The first consts.HEADERSIZE bytes hold the header: a magic number, a
version, the region's capacity, a random identity (a UUID, used to tell
allocators of different regions apart) and the Control block, which is
where the allocator and the named object directory keep their roots.
The header is checksummed. A region whose checksum does not match is
refused on open.

Bytes are reached through Do, which hands the callback a slice that is
only valid until the callback returns:

	err := r.Do(off, 24, func(bytes []byte) error {
		// read or write bytes here, never keep them
		return nil
	})

Outstanding views are counted and Close refuses to unmap while any are
live.

The region does not serialize access between processes. Lock and
Unlock take an advisory flock on the backing file; callers that mutate
shared structures from more than one process must hold it around each
logical operation.
*/
package region
