// Package memsim backs the simulated physical address space with a
// real page-aligned anonymous mapping, the same way gokvm's memory
// package uses unix.Mmap to back guest RAM (memory.NewMemorySlot)
// instead of a plain make([]byte, n): frame.Allocator, paging.Manager
// and the virtio drivers all index into the slice this package
// returns as if it were physical memory.
package memsim

import (
	"errors"

	"golang.org/x/sys/unix"
)

var ErrInvalidSize = errors.New("memsim: size must be a positive multiple of the page size")

const pageSize = 4096

// RAM is a page-aligned anonymous mapping standing in for physical
// memory. Unlike a Go slice backed by the garbage-collected heap, this
// memory is never moved or scanned by the GC, matching the fixed
// physical addresses the rest of the kernel core hands out.
type RAM struct {
	bytes []byte
}

// New allocates size bytes of anonymous, zero-filled memory via mmap.
func New(size int) (*RAM, error) {
	if size <= 0 || size%pageSize != 0 {
		return nil, ErrInvalidSize
	}

	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	return &RAM{bytes: b}, nil
}

// Bytes returns the backing slice, for components that index into
// simulated physical memory directly (frame allocator, virtqueue
// descriptor chains).
func (r *RAM) Bytes() []byte { return r.bytes }

// Len reports the mapping's size in bytes.
func (r *RAM) Len() int { return len(r.bytes) }

// Close releases the mapping back to the OS.
func (r *RAM) Close() error {
	if r.bytes == nil {
		return nil
	}

	err := unix.Munmap(r.bytes)
	r.bytes = nil

	return err
}
