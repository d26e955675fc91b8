package transport

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// ioctl request numbers for the termios2/modem-line calls the serial
// transport needs: no RS485, no line-discipline switching, no PTY/
// packet-mode ioctls, no break/flush/flow-control calls — a REPL link is
// always plain async 8-N-1 N_TTY.
var (
	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
	tiocmset = uintptr(0x5418) // set status
)
