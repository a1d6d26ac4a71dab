package channel

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

// NewEndpointID mints the identifier an endpoint stamps on its outbound
// frames. IDs are random per process start; nothing on the wire ties them to
// a stable identity.
func NewEndpointID() (string, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	h := blake2b.Sum256(seed)
	return "fx1" + base58.Encode(h[:]), nil
}

// ValidEndpointID reports whether a string has the shape of a minted
// endpoint id. Inbound frames carrying a mangled origin marker are dropped
// at the pump.
func ValidEndpointID(id string) bool {
	id = strings.TrimSpace(id)
	if !strings.HasPrefix(id, "fx1") || len(id) < 12 {
		return false
	}
	if _, err := base58.Decode(id[3:]); err != nil {
		return false
	}
	return true
}
