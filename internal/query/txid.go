package query

import (
	"crypto/rand"
	"encoding/binary"
)

// nextTransactionID returns a cryptographically strong transaction ID in
// [1, 0xFFFF]. Zero means "unset" on the wire and is never returned.
func nextTransactionID() (uint16, error) {
	for {
		var b [2]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint16(b[:])
		if id != 0 {
			return id, nil
		}
	}
}
