package patch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// x86 opcodes used in stubs.
const (
	opJmpShort = 0xeb
	opJmpNear  = 0xe9
	opCall     = 0xe8
)

// Jump returns a relative jump at from to the address to. The two byte short
// form is used when the displacement fits in a signed byte and the addresses
// are less than 128 bytes apart, otherwise the five byte near form.
func Jump(from, to uint32) Record {
	dist := int64(to) - int64(from)
	if disp := dist - 2; dist > -128 && dist < 128 && disp >= -128 && disp <= 127 {
		return Record{Address: from, Data: []byte{opJmpShort, byte(int8(disp))}}
	}
	return near(opJmpNear, from, to)
}

// Call returns a five byte relative call at from to the address to.
func Call(from, to uint32) Record {
	return near(opCall, from, to)
}

func near(op byte, from, to uint32) Record {
	d := make([]byte, 5)
	d[0] = op
	binary.LittleEndian.PutUint32(d[1:], to-from-5)
	return Record{Address: from, Data: d}
}

// Fill returns a patch setting every byte in [from, to) to value.
func Fill(from, to uint32, value byte) (Record, error) {
	if to < from {
		return Record{}, errors.Errorf("fill end 0x%08X is before start 0x%08X", to, from)
	}
	d := make([]byte, to-from)
	for i := range d {
		d[i] = value
	}
	return Record{Address: from, Data: d}, nil
}
