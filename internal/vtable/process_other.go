//go:build !unix && !windows

package vtable

import "errors"

func pageSize() int { return 4096 }

func protect(start, length uint64, prot Prot) (Prot, error) {
	return ProtNone, errors.ErrUnsupported
}
