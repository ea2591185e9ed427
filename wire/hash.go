package wire

import (
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // wire spec fixes RIPEMD-160

	"github.com/hmatuschek/overlaynet/identifier"
)

// hashString returns the 20-byte RIPEMD-160 hash of s, the same primitive
// used for identity fingerprints (spec.md §4.B, §4.H): network prefixes and
// service names share the wire's one hash function everywhere it appears.
func hashString(s string) identifier.Identifier {
	h := ripemd160.New()
	h.Write([]byte(s))
	sum := h.Sum(nil)
	var id identifier.Identifier
	copy(id[:], sum)
	return id
}
