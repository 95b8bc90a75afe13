//go:build unix

package mem

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// PageAlloc returns a page-aligned anonymous mapping of numBytes bytes,
// outside the garbage-collected heap. Returns nil on failure.
func PageAlloc(numBytes int) []byte {
	if numBytes <= 0 {
		return nil
	}
	data, err := unix.Mmap(-1, 0, numBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}
	return data[:numBytes]
}

// PageFree unmaps a buffer obtained from PageAlloc.
func PageFree(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	if err := unix.Munmap(buf[:cap(buf)]); err != nil {
		slog.Error("mem: munmap failed", "error", err, "bytes", cap(buf))
	}
}
