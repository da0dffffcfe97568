package socket

import "strings"

// Flags is the readiness and lifecycle bitset of a Handle.
type Flags uint16

const (
	// FlagEmpty means the handle does not hold an OS resource.
	FlagEmpty Flags = 0x0000
	// FlagNotEmpty means the handle holds an open OS resource.
	FlagNotEmpty Flags = 0x0001
	// FlagBound means the handle is bound to a local address.
	FlagBound Flags = 0x0002
	// FlagConnected means the handle is connected to a remote address.
	FlagConnected Flags = 0x0004
	// FlagWantRead registers interest in readability.
	FlagWantRead Flags = 0x0010
	// FlagWantWrite registers interest in writability.
	FlagWantWrite Flags = 0x0020
	// FlagWantAccept registers interest in pending inbound connections.
	FlagWantAccept Flags = 0x0040
	// FlagWantConnect registers interest in completion of a pending connect.
	FlagWantConnect Flags = 0x0080
	// FlagCanRead means the handle can be read without blocking.
	FlagCanRead Flags = 0x0100
	// FlagCanWrite means the handle can be written without blocking.
	FlagCanWrite Flags = 0x0200
	// FlagCanAccept means a connection can be accepted without blocking.
	FlagCanAccept Flags = 0x0400
	// FlagCanConnect means a pending connect has completed.
	FlagCanConnect Flags = 0x0800
	// FlagMulticast means the handle has joined a multicast group.
	FlagMulticast Flags = 0x1000
)

const (
	// WantMask covers all interest bits.
	WantMask = FlagWantRead | FlagWantWrite | FlagWantAccept | FlagWantConnect
	// CanMask covers all readiness bits.
	CanMask = FlagCanRead | FlagCanWrite | FlagCanAccept | FlagCanConnect

	// wantToCan is the distance between a WANT bit and its CAN counterpart.
	wantToCan = 4
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagNotEmpty, "NOT_EMPTY"},
	{FlagBound, "BOUND"},
	{FlagConnected, "CONNECTED"},
	{FlagWantRead, "WANT_READ"},
	{FlagWantWrite, "WANT_WRITE"},
	{FlagWantAccept, "WANT_ACCEPT"},
	{FlagWantConnect, "WANT_CONNECT"},
	{FlagCanRead, "CAN_READ"},
	{FlagCanWrite, "CAN_WRITE"},
	{FlagCanAccept, "CAN_ACCEPT"},
	{FlagCanConnect, "CAN_CONNECT"},
	{FlagMulticast, "MULTICAST"},
}

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// Any reports whether any bit of f is set.
func (fl Flags) Any(f Flags) bool {
	return fl&f != 0
}

// CanFor returns the CAN bits matching the WANT bits in fl.
func (fl Flags) CanFor() Flags {
	return (fl & WantMask) << wantToCan
}

// String renders the set bits joined by "|", or "EMPTY".
func (fl Flags) String() string {
	if fl == FlagEmpty {
		return "EMPTY"
	}
	var parts []string
	for _, fn := range flagNames {
		if fl&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
