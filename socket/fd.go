package socket

import "fmt"

// FD is an opaque platform socket handle. It supports equality only.
type FD struct {
	raw uintptr
}

// InvalidFD is the sentinel for "no handle"; it differs from every valid FD.
var InvalidFD = FD{raw: ^uintptr(0)}

func fdFromInt(n int) FD {
	if n < 0 {
		return InvalidFD
	}
	return FD{raw: uintptr(n)}
}

func (fd FD) sys() int {
	return int(fd.raw)
}

// Valid reports whether fd is not the invalid sentinel.
func (fd FD) Valid() bool {
	return fd != InvalidFD
}

// String renders the handle for logs.
func (fd FD) String() string {
	if !fd.Valid() {
		return "fd(invalid)"
	}
	return fmt.Sprintf("fd(%d)", fd.raw)
}
