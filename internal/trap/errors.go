package trap

import "github.com/exos-project/exos/internal/kernelerr"

func errInvalidSyscall(id uint32) error {
	return kernelerr.Newf(kernelerr.InvalidArgument, "trap: invalid syscall id %d", id)
}
