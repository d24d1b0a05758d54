//go:build unix

package dummy

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached after the first call
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// allocRAM maps anonymous zeroed memory of at least size bytes.
func allocRAM(size uint64) ([]byte, error) {
	ps := uint64(pageSize())
	size = (size + ps - 1) &^ (ps - 1)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func freeRAM(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
