package cycleid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/google/uuid"
)

// LegID identifies one submission of one leg of a cycle. It is used as the
// client order id so an order placed just before a crash can be found again.
type LegID struct {
	Cycle   [9]byte
	Leg     uint16
	Attempt uint8
}

var (
	ErrLength            = errors.New("cycleid: encoded id must be 16 bytes")
	ErrIncorrectChecksum = errors.New("cycleid: checksum does not match")
)

// New derives a LegID from a cycle uuid.
func New(cycleID string, leg, attempt int) (LegID, error) {
	u, err := uuid.Parse(cycleID)
	if err != nil {
		return LegID{}, fmt.Errorf("cycleid: parse cycle id %q: %w", cycleID, err)
	}
	if leg < 0 || leg > 0xffff {
		return LegID{}, fmt.Errorf("cycleid: leg %d out of range", leg)
	}
	if attempt < 0 || attempt > 0xff {
		return LegID{}, fmt.Errorf("cycleid: attempt %d out of range", attempt)
	}
	id := LegID{Leg: uint16(leg), Attempt: uint8(attempt)}
	copy(id.Cycle[:], u[:9])
	return id, nil
}

func (id LegID) Hex() string {
	return "0x" + hex.EncodeToString(id.Bytes())
}

// Bytes returns the 16 byte encoding, BigEndian:
// 9 bytes of the cycle uuid
// 2 bytes leg index
// 1 byte submission attempt
// 4 bytes CRC32 of the preceding bytes
func (id LegID) Bytes() []byte {
	out := make([]byte, 0, 16)
	out = append(out, id.Cycle[:]...)
	out = binary.BigEndian.AppendUint16(out, id.Leg)
	out = append(out, id.Attempt)
	out = binary.BigEndian.AppendUint32(out, crc32.Checksum(out, crc32.IEEETable))
	return out
}

// BelongsTo reports whether the id was derived from the given cycle.
func (id LegID) BelongsTo(cycleID string) bool {
	u, err := uuid.Parse(cycleID)
	if err != nil {
		return false
	}
	return bytes.Equal(id.Cycle[:], u[:9])
}

func FromBytes(v []byte) (LegID, error) {
	if len(v) != 16 {
		return LegID{}, ErrLength
	}
	if crc32.Checksum(v[:12], crc32.IEEETable) != binary.BigEndian.Uint32(v[12:16]) {
		return LegID{}, ErrIncorrectChecksum
	}
	var id LegID
	copy(id.Cycle[:], v[:9])
	id.Leg = binary.BigEndian.Uint16(v[9:11])
	id.Attempt = v[11]
	return id, nil
}

// FromHexString strips off a prepending 0x if present.
func FromHexString(s string) (LegID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return LegID{}, fmt.Errorf("cycleid: could not decode: %w", err)
	}
	return FromBytes(b)
}
