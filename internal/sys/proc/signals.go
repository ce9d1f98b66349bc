package proc

import (
	"golang.org/x/sys/unix"
)

// termExitStatus is the wait status of a JVM that exited with 143 after SIGTERM.
const termExitStatus = 0x8F00

// ExitCodeToSignal decodes a raw wait status into the signal that ended the process.
// The second result is false when the process was not ended by a signal.
func ExitCodeToSignal(status uint32) (unix.Signal, bool) {
	ws := unix.WaitStatus(status)
	switch {
	case ws.Signaled():
		return ws.Signal(), true
	case status == termExitStatus:
		return unix.SIGTERM, true
	default:
		return 0, false
	}
}

// IsFatalSignal reports whether sig indicates a crash or a forced kill.
func IsFatalSignal(sig unix.Signal) bool {
	switch sig {
	case unix.SIGABRT, unix.SIGKILL, unix.SIGSEGV:
		return true
	default:
		return false
	}
}
