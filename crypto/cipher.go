package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
)

var (
	// ErrUnknownSlot indicates a ciphertext slot code outside [0, SlotSpace),
	// which no key table can decode: the input was never produced by Encrypt
	// (garbled or unencrypted bytes). A mismatched but well-formed key decodes
	// any even-length input, to garbage, without error.
	ErrUnknownSlot = errors.New("slot code not present in key")

	// ErrOddCiphertext indicates ciphertext whose length is not a multiple
	// of the 2-byte slot width.
	ErrOddCiphertext = errors.New("ciphertext length is not even")
)

// Encrypt encodes plaintext by substituting each byte with one of its 8 slot
// codes, chosen at random per occurrence. The output is always exactly twice
// the input length. Encrypt never fails and does not mutate the key.
func (k *Key) Encrypt(plaintext []byte) []byte {
	out := make([]byte, 2*len(plaintext))
	for i, b := range plaintext {
		slot := k.slots[b][rand.Intn(SlotsPerByte)]
		binary.LittleEndian.PutUint16(out[2*i:], slot)
	}
	return out
}

// Decrypt reverses Encrypt by looking up each 2-byte slot code in the key
// table. A slot that belongs to no byte value fails with ErrUnknownSlot;
// data is never silently substituted.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddCiphertext, len(ciphertext))
	}
	out := make([]byte, len(ciphertext)/2)
	for i := range out {
		slot := binary.LittleEndian.Uint16(ciphertext[2*i:])
		b, ok := k.index[slot]
		if !ok {
			return nil, fmt.Errorf("%w: slot %#04x at offset %d", ErrUnknownSlot, slot, 2*i)
		}
		out[i] = b
	}
	return out, nil
}
