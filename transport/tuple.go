package transport

import "net/netip"

// Tuple identifies a session within an endpoint: the peer address and the
// local address the traffic is exchanged on. Tuples are comparable and are
// never modified once a session owns one.
type Tuple struct {
	Remote netip.AddrPort
	Local  netip.AddrPort
}

// String renders the tuple as "remote->local".
func (t Tuple) String() string {
	return t.Remote.String() + "->" + t.Local.String()
}

// Valid reports whether both addresses are set.
func (t Tuple) Valid() bool {
	return t.Remote.IsValid() && t.Local.IsValid()
}
