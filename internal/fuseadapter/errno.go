package fuseadapter

import (
	"errors"
	"syscall"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// toErrno translates a Vault Storage Engine / Permission Resolver error
// into the errno the kernel expects back from a FUSE operation (spec §7:
// "the FUSE adapter translates a VaultError to a syscall.Errno").
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var ve *vherrors.VaultError
	if !errors.As(err, &ve) {
		return syscall.EIO
	}

	switch ve.Code {
	case vherrors.CodeNotFound:
		return syscall.ENOENT
	case vherrors.CodeAlreadyExists:
		return syscall.EEXIST
	case vherrors.CodePermissionDenied:
		return syscall.EACCES
	case vherrors.CodeInvalidArgument:
		return syscall.EINVAL
	case vherrors.CodeQuotaExceeded:
		return syscall.EDQUOT
	case vherrors.CodeIOError, vherrors.CodeIntegrityError:
		return syscall.EIO
	case vherrors.CodeTransient:
		return syscall.EAGAIN
	case vherrors.CodeFatal:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}
