// Package blockpool implements a process-wide pool of fixed-size
// blocks, handed out through Buffer, an append-only byte buffer whose
// backing storage is those blocks themselves rather than a separate,
// independently growing allocation. strtab.Interner uses a Buffer for
// its byte blob, so repeated Clear-and-refill cycles (one per consumer
// reset) write into the same blocks instead of feeding the garbage
// collector a fresh slab each time.
package blockpool

import "sync"

// BlockSize is the size, in bytes, of a single block. 4 KiB matches a
// typical page size.
const BlockSize = 4096

// initialSlabBlocks is the block count of the very first slab, before
// any doubling has happened.
const initialSlabBlocks = 16

// Block is a fixed-size chunk handed out by a Pool.
type Block = *[BlockSize]byte

// Pool is a thread-safe pool of fixed-size blocks. Acquire and
// Release take a coarse internal lock: they run far less often than
// the enter/leave hot path they back, so a plain mutex (rather than
// anything lock-free) is the right tool.
type Pool struct {
	mu          sync.Mutex
	free        []Block
	totalBlocks int
	liveSlabs   int
}

// New returns an empty pool. Its first slab is allocated lazily on
// the first Acquire.
func New() *Pool {
	return &Pool{}
}

// Acquire returns one block from the pool, growing the pool first if
// it is empty.
func (p *Pool) Acquire() Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.growLocked()
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free[n] = nil
	p.free = p.free[:n]
	return b
}

// Release returns one or more blocks to the pool.
func (p *Pool) Release(blocks ...Block) {
	if len(blocks) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, blocks...)
}

// Stats reports how many blocks and slabs the pool has allocated in
// total (not just currently-free ones), useful for diagnostics.
type Stats struct {
	TotalBlocks int
	LiveSlabs   int
	FreeBlocks  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalBlocks: p.totalBlocks,
		LiveSlabs:   p.liveSlabs,
		FreeBlocks:  len(p.free),
	}
}

// Buffer is an append-only byte buffer whose backing storage is the
// Pool's own blocks, addressed by block index and in-block offset:
// growing the buffer acquires another block and writes into it
// directly, never reallocating or copying bytes already appended.
// Contrast a plain []byte doubling its own allocation on every growth
// step, which copies its entire prior contents each time capacity runs
// out.
//
// Because the blocks are not contiguous in memory, Buffer has no flat
// []byte view of its whole contents; Slice and Bytes materialise a
// copy of the range requested, same as a caller reading out of any
// chunked store would need to. Append and At never do.
//
// A Buffer only ever grows at the tail; Reset truncates it back to
// length zero without releasing its blocks, so a caller that clears
// and refills it repeatedly (strtab.Interner.Clear) does not re-acquire from the Pool on the next round of
// appends.
type Buffer struct {
	pool   *Pool
	blocks []Block
	size   int
}

// NewBuffer returns an empty Buffer drawing blocks from pool.
func NewBuffer(pool *Pool) *Buffer {
	return &Buffer{pool: pool}
}

// Len returns the number of bytes appended since the last Reset.
func (b *Buffer) Len() int { return b.size }

// At returns the byte at absolute position pos, which must be < Len().
func (b *Buffer) At(pos int) byte {
	idx, off := pos/BlockSize, pos%BlockSize
	return b.blocks[idx][off]
}

// Slice copies the bytes in [start, end) into a freshly allocated
// slice, stitching together however many blocks the range spans.
func (b *Buffer) Slice(start, end int) []byte {
	out := make([]byte, 0, end-start)
	for start < end {
		idx, off := start/BlockSize, start%BlockSize
		n := end - start
		if room := BlockSize - off; n > room {
			n = room
		}
		out = append(out, b.blocks[idx][off:off+n]...)
		start += n
	}
	return out
}

// Bytes copies the whole buffer out as one contiguous slice. Prefer
// At/Slice for lookups that don't need the full contents materialised.
func (b *Buffer) Bytes() []byte { return b.Slice(0, b.size) }

// Reset truncates the buffer to length zero, retaining its blocks for
// reuse by the next round of appends.
func (b *Buffer) Reset() { b.size = 0 }

// Release returns every block this Buffer holds to its Pool and
// empties it. Use this instead of Reset when the owner is done with
// the buffer for good, e.g. a thread shutting down.
func (b *Buffer) Release() {
	b.pool.Release(b.blocks...)
	b.blocks = nil
	b.size = 0
}

// Append copies p onto the end of the buffer, acquiring additional
// blocks from the Pool as needed and writing directly into each one;
// bytes already appended are never touched again.
func (b *Buffer) Append(p []byte) {
	for len(p) > 0 {
		idx, off := b.size/BlockSize, b.size%BlockSize
		if idx == len(b.blocks) {
			b.blocks = append(b.blocks, b.pool.Acquire())
		}
		n := copy(b.blocks[idx][off:], p)
		p = p[n:]
		b.size += n
	}
}

// AppendByte appends a single byte, same as Append([]byte{c}).
func (b *Buffer) AppendByte(c byte) {
	idx, off := b.size/BlockSize, b.size%BlockSize
	if idx == len(b.blocks) {
		b.blocks = append(b.blocks, b.pool.Acquire())
	}
	b.blocks[idx][off] = c
	b.size++
}

// growLocked adds a new slab whose block count matches the number of
// blocks already allocated (i.e. it doubles total capacity), or
// initialSlabBlocks for the very first slab. Must be called with
// p.mu held.
func (p *Pool) growLocked() {
	grow := p.totalBlocks
	if grow == 0 {
		grow = initialSlabBlocks
	}
	slab := make([]Block, grow)
	for i := range slab {
		slab[i] = new([BlockSize]byte)
	}
	p.free = append(p.free, slab...)
	p.totalBlocks += grow
	p.liveSlabs++
}
