package flash

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// checkMTD verifies that f is an MTD device whose erase block matches
// sectorSize and that holds at least size bytes.
func checkMTD(f *os.File, size, sectorSize int64) error {
	var info unix.MtdInfo
	if err := ioctl(f, unix.MEMGETINFO, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("MEMGETINFO: %w", err)
	}
	if int64(info.Erasesize) != sectorSize {
		return fmt.Errorf("%w: device erase block %d, configured sector %d",
			ErrGeometry, info.Erasesize, sectorSize)
	}
	if int64(info.Size) < size {
		return fmt.Errorf("%w: device holds %d bytes, configured size %d",
			ErrGeometry, info.Size, size)
	}
	return nil
}

// eraseMTD erases one erase block starting at off.
func eraseMTD(f *os.File, off, length int64) error {
	ei := unix.EraseInfo{Start: uint32(off), Length: uint32(length)}
	if err := ioctl(f, unix.MEMERASE, unsafe.Pointer(&ei)); err != nil {
		return fmt.Errorf("MEMERASE at %#x: %w", off, err)
	}
	return nil
}

func ioctl(f *os.File, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
