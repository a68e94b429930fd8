package autofs

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// Ioctl request numbers for the autofs misc device, taken from
// linux/auto_fs.h / linux/auto_fs4.h (magic 0x93). READY/FAIL/CATATONIC
// carry no copied payload (_IO): the kernel reads the ioctl argument
// itself as the value, not as a pointer, so sendAck below must pass
// the token directly rather than go through unix.IoctlSetInt (which
// would pass its address).
const (
	iocReady       = 0x9360
	iocFail        = 0x9361
	iocCatatonic   = 0x9362
	iocProtoVer    = 0x80049363
	iocSetTimeout  = 0xc0049364
	iocExpireMulti = 0x40049366
	iocProtoSubVer = 0x80049367
)

// autofsExpLeaves asks AUTOFS_IOC_EXPIRE_MULTI to only report entries
// that have no submounts under them (original_source/autofs.c's
// expire_automounts loop).
const autofsExpLeaves = 2

func ioctlNoArg(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uintptr, ptr unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(ptr))
	if errno != 0 {
		return errno
	}
	return nil
}

func protoVersion(fd int) (int, error) {
	var v int32
	if err := ioctlPtr(fd, iocProtoVer, unsafe.Pointer(&v)); err != nil {
		return 0, errors.Wrap(err, "AUTOFS_IOC_PROTOVER")
	}
	return int(v), nil
}

func setTimeout(fd int, seconds int) error {
	v := uint32(seconds)
	if err := ioctlPtr(fd, iocSetTimeout, unsafe.Pointer(&v)); err != nil {
		return errors.Wrap(err, "AUTOFS_IOC_SETTIMEOUT")
	}
	return nil
}

func catatonic(fd int) error {
	return ioctlNoArg(fd, iocCatatonic, 0)
}

// expireMultiOnce asks the kernel for one expirable entry under
// AUTOFS_EXP_LEAVES. It reports whether a candidate was found; ENOENT
// (nothing currently expirable) is the expected "stop" signal, not an
// error.
func expireMultiOnce(fd int) (bool, error) {
	flag := int32(autofsExpLeaves)
	err := ioctlPtr(fd, iocExpireMulti, unsafe.Pointer(&flag))
	if err == nil {
		return true, nil
	}
	if err == unix.EAGAIN || err == unix.ENOENT {
		return false, nil
	}
	return false, err
}

// sendAck issues AUTOFS_IOC_READY or AUTOFS_IOC_FAIL with the packet's
// wait-queue token. A zero token (no waiter registered) is a no-op,
// mirroring original_source/autofs.c's send_ack.
func sendAck(fd int, token uint32, failed bool) error {
	if token == 0 {
		return nil
	}
	req := uintptr(iocReady)
	if failed {
		req = iocFail
	}
	return ioctlNoArg(fd, req, uintptr(token))
}
