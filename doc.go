/*
Shared Memory Key/Value

shmkv keeps an ordered map of string keys to records in a region of
memory that several processes map at once. A record is two int32 fields
and a growable byte payload.

Nothing stored in a region holds a pointer. Each process maps the
region at its own address, so every reference inside it is an Offset
from the start of the region. Values that own memory of their own (the
keys, the payloads, the map's entries) are built with the allocator of
the region they live in, and that allocator is handed down to every
nested construction by the containing value. A value can never end up
pointing into another process's heap.

The layers:

1. region - a shared memory mapping of a file (or anonymous memory)
with a header holding the region's identity and its allocator state.
Uses golang.org/x/sys/unix for mmap and flock.

2. alloc - a first fit allocator over the region handing out Offsets.

3. scoped - allocator propagation. Constructors receive the Adapter of
their container.

4. dynamic, record - the allocator-aware strings, buffers and records.

5. omap - an AVL tree ordered map stored in the region.

6. segment - named objects, so processes can find the structures others
created.

7. shmkv - the Database: a named map of records.

Concurrency: the map operations take no locks. Allocation is serialized
within one mapping only. Processes that share a database must
serialize every operation themselves, for example with Database.Locked.
*/
package shmkv
