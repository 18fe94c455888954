package annotate

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"moria.us/petool/patch"
)

var le = binary.LittleEndian

type compileFunc func(a *Annotation) (patch.Record, error)

var directives = map[string]compileFunc{
	"hook":  compileJump,
	"jmp":   compileJump,
	"call":  compileCall,
	"clear": compileClear,
	"setb":  compileInts(1),
	"setw":  compileInts(2),
	"setd":  compileInts(4),
	"setq":  compileInts(8),
	"setf":  compileFloats(4),
	"setdf": compileFloats(8),
}

// Compile translates annotations into patch records, one per annotation,
// in order. Symbol arguments must already have been substituted.
func Compile(anns []Annotation) ([]patch.Record, error) {
	records := make([]patch.Record, 0, len(anns))
	for i := range anns {
		a := &anns[i]
		fn, ok := directives[a.Directive]
		if !ok {
			return nil, errors.Errorf("line %d: unknown directive @%s", a.Line, a.Directive)
		}
		r, err := fn(a)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: @%s", a.Line, a.Directive)
		}
		records = append(records, r)
	}
	return records, nil
}

func wantArgs(a *Annotation, n int) error {
	if len(a.Args) != n {
		return errors.Errorf("expected %d arguments, got %d", n, len(a.Args))
	}
	return nil
}

func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid address or unresolved symbol %q", s)
	}
	return uint32(v), nil
}

func compileJump(a *Annotation) (patch.Record, error) {
	from, to, err := fromTo(a)
	if err != nil {
		return patch.Record{}, err
	}
	return patch.Jump(from, to), nil
}

func compileCall(a *Annotation) (patch.Record, error) {
	from, to, err := fromTo(a)
	if err != nil {
		return patch.Record{}, err
	}
	return patch.Call(from, to), nil
}

func fromTo(a *Annotation) (from, to uint32, err error) {
	if err := wantArgs(a, 2); err != nil {
		return 0, 0, err
	}
	if from, err = parseAddress(a.Args[0]); err != nil {
		return 0, 0, err
	}
	if to, err = parseAddress(a.Args[1]); err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

func compileClear(a *Annotation) (patch.Record, error) {
	if err := wantArgs(a, 3); err != nil {
		return patch.Record{}, err
	}
	from, err := parseAddress(a.Args[0])
	if err != nil {
		return patch.Record{}, err
	}
	value, err := parseInt(a.Args[1], 1)
	if err != nil {
		return patch.Record{}, err
	}
	to, err := parseAddress(a.Args[2])
	if err != nil {
		return patch.Record{}, err
	}
	return patch.Fill(from, to, byte(value))
}

// parseInt parses a signed or unsigned integer that fits in size bytes and
// returns its two's complement bits.
func parseInt(s string, size int) (uint64, error) {
	bits := size * 8
	if v, err := strconv.ParseInt(s, 0, bits); err == nil {
		return uint64(v), nil
	}
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, errors.Errorf("invalid %d-byte value %q", size, s)
	}
	return v, nil
}

func compileInts(size int) compileFunc {
	return func(a *Annotation) (patch.Record, error) {
		return compileValues(a, size, func(s string) (uint64, error) {
			return parseInt(s, size)
		})
	}
}

func compileFloats(size int) compileFunc {
	return func(a *Annotation) (patch.Record, error) {
		return compileValues(a, size, func(s string) (uint64, error) {
			f, err := strconv.ParseFloat(s, size*8)
			if err != nil {
				return 0, errors.Errorf("invalid floating point value %q", s)
			}
			if size == 4 {
				return uint64(math.Float32bits(float32(f))), nil
			}
			return math.Float64bits(f), nil
		})
	}
}

func compileValues(a *Annotation, size int, parse func(string) (uint64, error)) (patch.Record, error) {
	if len(a.Args) < 2 {
		return patch.Record{}, errors.New("expected an address and at least one value")
	}
	addr, err := parseAddress(a.Args[0])
	if err != nil {
		return patch.Record{}, err
	}
	data := make([]byte, 0, size*(len(a.Args)-1))
	for _, s := range a.Args[1:] {
		v, err := parse(s)
		if err != nil {
			return patch.Record{}, err
		}
		var buf [8]byte
		le.PutUint64(buf[:], v)
		data = append(data, buf[:size]...)
	}
	return patch.Record{Address: addr, Data: data}, nil
}
