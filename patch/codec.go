package patch

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var le = binary.LittleEndian

// Decode reads a patch set. Each record is a 32-bit address, a 32-bit
// length, and length bytes of data, all little endian. The set ends at a
// record with a zero address, which is not returned, or at the end of data.
// Record data is copied out of the buffer.
func Decode(data []byte) ([]Record, error) {
	var records []Record
	for p := 0; p < len(data); {
		if len(data)-p < 4 {
			return records, errors.Errorf("patch %d at offset %d: truncated address", len(records), p)
		}
		addr := le.Uint32(data[p:])
		if addr == 0 {
			break
		}
		if len(data)-p < 8 {
			return records, errors.Errorf("patch %d at offset %d: truncated length", len(records), p)
		}
		n := le.Uint32(data[p+4:])
		p += 8
		if uint64(n) > uint64(len(data)-p) {
			return records, errors.Errorf("patch %d at 0x%08X: length %d runs past end of patch data", len(records), addr, n)
		}
		records = append(records, Record{
			Address: addr,
			Data:    append([]byte(nil), data[p:p+int(n)]...),
		})
		p += int(n)
	}
	return records, nil
}

// Encode writes a patch set, including the terminating zero address.
func Encode(records []Record) []byte {
	var out []byte
	for i := range records {
		r := &records[i]
		var h [8]byte
		le.PutUint32(h[:], r.Address)
		le.PutUint32(h[4:], r.Len())
		out = append(out, h[:]...)
		out = append(out, r.Bytes()...)
	}
	return append(out, 0, 0, 0, 0)
}

// Hook file opcodes.
const (
	HookJump = 0 // address:u32 destination:u32
	HookFill = 1 // address:u32 value:u8 length:u32
)

// DecodeHooks reads a legacy hook file, which has no terminator and runs to
// the end of data. Each entry starts with an opcode byte. Jumps become
// records built by Jump. Fills become records with Repeat set, so their
// length is checked against the image before any bytes are produced. An
// unknown opcode is an error.
func DecodeHooks(data []byte) ([]Record, error) {
	var records []Record
	for p := 0; p < len(data); {
		switch op := data[p]; op {
		case HookJump:
			if len(data)-p < 9 {
				return nil, errors.Errorf("hook at offset %d: truncated jump", p)
			}
			records = append(records, Jump(le.Uint32(data[p+1:]), le.Uint32(data[p+5:])))
			p += 9
		case HookFill:
			if len(data)-p < 10 {
				return nil, errors.Errorf("hook at offset %d: truncated fill", p)
			}
			addr := le.Uint32(data[p+1:])
			n := le.Uint32(data[p+6:])
			if uint64(addr)+uint64(n) > 1<<32 {
				return nil, errors.Errorf("hook at offset %d: fill of %d bytes at 0x%08X wraps around", p, n, addr)
			}
			r := Record{Address: addr}
			if n != 0 {
				r.Data = []byte{data[p+5]}
				r.Repeat = n
			}
			records = append(records, r)
			p += 10
		default:
			return nil, errors.Errorf("hook at offset %d: unknown command %d", p, op)
		}
	}
	return records, nil
}
