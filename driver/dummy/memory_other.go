//go:build !unix

package dummy

const pageSizeFallback = 4096

func pageSize() int { return pageSizeFallback }

func allocRAM(size uint64) ([]byte, error) {
	ps := uint64(pageSize())
	return make([]byte, (size+ps-1)&^(ps-1)), nil
}

func freeRAM([]byte) error { return nil }
