//go:build !unix

package socket

// NewPlatform returns ErrUnsupported on systems without a native
// implementation; NewSimPlatform remains available everywhere.
func NewPlatform() (Platform, error) {
	return nil, ErrUnsupported
}
