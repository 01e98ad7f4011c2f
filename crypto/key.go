package crypto

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	mathrand "math/rand"

	"github.com/sirupsen/logrus"
)

const (
	// SlotsPerByte is the number of interchangeable slot codes assigned to
	// each plaintext byte value.
	SlotsPerByte = 8

	// SlotSpace is the total number of slot codes in a key table.
	SlotSpace = 256 * SlotsPerByte

	// BlockSize is the size of a serialized key: the 4-byte magic marker
	// followed by 2048 little-endian uint16 slot values.
	BlockSize = len(keyMagic) + SlotSpace*2
)

// keyMagic prefixes every serialized key block.
const keyMagic = "SEBK"

var (
	// ErrBadMagic indicates a key block that does not start with the
	// expected magic marker.
	ErrBadMagic = errors.New("key block lacks magic marker")

	// ErrKeySize indicates a key block that is not exactly BlockSize bytes.
	ErrKeySize = errors.New("key block has wrong size")

	// ErrInvalidTable indicates a key block whose slot values do not form a
	// permutation of [0, SlotSpace).
	ErrInvalidTable = errors.New("key table is not a permutation")
)

// Key is an immutable homophonic substitution table. The zero value is not
// usable; obtain a Key from GenerateKey or ParseKey.
type Key struct {
	slots [256][SlotsPerByte]uint16
	index map[uint16]byte
}

// GenerateKey builds a fresh key from a random permutation of [0, SlotSpace),
// assigning consecutive groups of 8 slot codes to byte values 0..255. The
// permutation is seeded from the operating system's entropy source, so two
// calls never produce the same table.
func GenerateKey() (*Key, error) {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seeding key generator: %w", err)
	}
	rng := mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:8]))))

	k := &Key{index: make(map[uint16]byte, SlotSpace)}
	for i, v := range rng.Perm(SlotSpace) {
		slot := uint16(v)
		k.slots[i/SlotsPerByte][i%SlotsPerByte] = slot
		k.index[slot] = byte(i / SlotsPerByte)
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateKey",
		"slots":    SlotSpace,
	}).Debug("Generated session key")

	return k, nil
}

// Serialize encodes the key as a fixed-size block: the magic marker followed
// by the 2048 slot values as little-endian uint16s, grouped by byte value.
func (k *Key) Serialize() []byte {
	block := make([]byte, BlockSize)
	copy(block, keyMagic)
	off := len(keyMagic)
	for i := 0; i < 256; i++ {
		for j := 0; j < SlotsPerByte; j++ {
			binary.LittleEndian.PutUint16(block[off:], k.slots[i][j])
			off += 2
		}
	}
	return block
}

// ParseKey decodes a serialized key block. It rejects blocks without the
// magic marker, blocks that are not exactly BlockSize bytes, and tables whose
// slot values are out of range or assigned to more than one byte value.
func ParseKey(block []byte) (*Key, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(block), BlockSize)
	}
	if string(block[:len(keyMagic)]) != keyMagic {
		return nil, ErrBadMagic
	}

	k := &Key{index: make(map[uint16]byte, SlotSpace)}
	off := len(keyMagic)
	for i := 0; i < 256; i++ {
		for j := 0; j < SlotsPerByte; j++ {
			slot := binary.LittleEndian.Uint16(block[off:])
			off += 2
			if slot >= SlotSpace {
				return nil, fmt.Errorf("%w: slot %#04x out of range", ErrInvalidTable, slot)
			}
			if _, dup := k.index[slot]; dup {
				return nil, fmt.Errorf("%w: slot %#04x assigned twice", ErrInvalidTable, slot)
			}
			k.slots[i][j] = slot
			k.index[slot] = byte(i)
		}
	}
	return k, nil
}
