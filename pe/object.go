package pe

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

const (
	symbolSize     = 18
	relocationSize = 10

	// SymClassStatic is the storage class of a static symbol.
	SymClassStatic = 3

	// SectionAlign4 is the section alignment flag for 4-byte alignment in
	// objects.
	SectionAlign4 SectionFlags = 0x00300000
)

// An ObjectSection is a section to be written to a COFF object.
type ObjectSection struct {
	Name        string
	Flags       SectionFlags
	Data        []byte
	Relocations []Relocation
}

// A Symbol is an entry in the COFF symbol table.
type Symbol struct {
	Name          string
	Value         uint32
	SectionNumber int16 // 1-based
	Type          uint16
	StorageClass  uint8
}

// An Object is a COFF object file.
type Object struct {
	Machine         uint16
	Characteristics uint16
	Sections        []ObjectSection
	Symbols         []Symbol
}

// =================================================================================================

type datawriter struct {
	pos  uint32
	data [][]byte
}

func (w *datawriter) write(d []byte) {
	w.pos += uint32(len(d))
	w.data = append(w.data, d)
}

// strtab is a COFF string table. Offsets include the 4-byte size field.
type strtab struct {
	data []byte
}

func (t *strtab) add(s string) uint32 {
	off := uint32(len(t.data)) + 4
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	return off
}

func (t *strtab) bytes() []byte {
	var size [4]byte
	le.PutUint32(size[:], uint32(len(t.data))+4)
	return append(size[:], t.data...)
}

func (o *Object) dumpBlocks() ([][]byte, error) {
	var strs strtab
	headers := make([]SectionHeader, len(o.Sections))
	for i := range o.Sections {
		if err := headers[i].SetName(o.Sections[i].Name); err != nil {
			return nil, err
		}
	}

	var d datawriter
	fh := FileHeader{
		Machine:          o.Machine,
		NumberOfSections: uint16(len(o.Sections)),
		NumberOfSymbols:  uint32(len(o.Symbols)),
		Characteristics:  o.Characteristics,
	}
	fhdata := make([]byte, fileHeaderSize)
	d.write(fhdata)
	shdata := make([]byte, len(headers)*sectionHeaderSize)
	d.write(shdata)
	for i := range o.Sections {
		s := &o.Sections[i]
		h := &headers[i]
		h.Characteristics = s.Flags
		h.SizeOfRawData = uint32(len(s.Data))
		if len(s.Data) != 0 {
			h.PointerToRawData = d.pos
			d.write(s.Data)
		}
		if n := len(s.Relocations); n != 0 {
			if n > 0xffff {
				return nil, errors.Errorf("section %q: too many relocations: %d", s.Name, n)
			}
			h.PointerToRelocations = d.pos
			h.NumberOfRelocations = uint16(n)
			rd := make([]byte, n*relocationSize)
			for j, r := range s.Relocations {
				le.PutUint32(rd[j*relocationSize:], r.VirtualAddress)
				le.PutUint32(rd[j*relocationSize+4:], r.SymbolTableIndex)
				le.PutUint16(rd[j*relocationSize+8:], r.Type)
			}
			d.write(rd)
		}
	}

	fh.PointerToSymbolTable = d.pos
	syms := make([]byte, len(o.Symbols)*symbolSize)
	for i, sym := range o.Symbols {
		e := syms[i*symbolSize:]
		if len(sym.Name) > 8 {
			le.PutUint32(e[4:], strs.add(sym.Name))
		} else {
			copy(e[:8], sym.Name)
		}
		le.PutUint32(e[8:], sym.Value)
		le.PutUint16(e[12:], uint16(sym.SectionNumber))
		le.PutUint16(e[14:], sym.Type)
		e[16] = sym.StorageClass
	}
	d.write(syms)
	d.write(strs.bytes())

	var buf bytes.Buffer
	encodeHeader(&buf, &fh)
	copy(fhdata, buf.Bytes())
	buf.Reset()
	encodeHeader(&buf, headers)
	copy(shdata, buf.Bytes())
	return d.data, nil
}

// WriteTo writes the object to a writer.
func (o *Object) WriteTo(w io.Writer) (int64, error) {
	blocks, err := o.dumpBlocks()
	if err != nil {
		return 0, err
	}
	var amt int64
	for _, d := range blocks {
		n, err := w.Write(d)
		amt += int64(n)
		if err != nil {
			return amt, err
		}
	}
	return amt, nil
}

// ResourceObject builds a COFF object holding the resource section of the
// image, so that it can be linked into another executable. The resource
// tree in the image data is rebased in place.
func ResourceObject(img *Image) (*Object, error) {
	s, err := img.Section(".rsrc")
	if err != nil {
		return nil, err
	}
	data, err := img.SectionData(".rsrc")
	if err != nil {
		return nil, err
	}
	relocs, err := CollectLeaves(data, s.VirtualAddress)
	if err != nil {
		return nil, err
	}
	if s.VirtualSize > 0 && s.VirtualSize < uint32(len(data)) {
		data = data[:s.VirtualSize]
	}
	return &Object{
		Machine:         MachineI386,
		Characteristics: 0x0104, // 32-bit machine, no line numbers
		Sections: []ObjectSection{{
			Name:        ".rsrc",
			Flags:       SectionRead | SectionWrite | SectionAlign4 | SectionInitData,
			Data:        data,
			Relocations: relocs,
		}},
		Symbols: []Symbol{{
			Name:          ".rsrc",
			SectionNumber: 1,
			StorageClass:  SymClassStatic,
		}},
	}, nil
}

// ToObject strips the DOS header, DOS stub and NT signature from an image,
// leaving a COFF object that starts with the file header. Raw data pointers
// are rebased to match. Sections with only uninitialized data lose their raw
// data pointer and size.
func ToObject(img *Image) ([]byte, error) {
	if img.IsObject() {
		return nil, errors.New("file is already an object")
	}
	delta := uint32(img.fileHeaderOffset)
	sections := make([]SectionHeader, len(img.Sections))
	copy(sections, img.Sections)
	for i := range sections {
		s := &sections[i]
		if s.Characteristics.uninitOnly() {
			s.PointerToRawData = 0
			s.SizeOfRawData = 0
			continue
		}
		if s.PointerToRawData != 0 {
			if s.PointerToRawData < delta {
				return nil, errors.Errorf("section %q raw data at 0x%x is inside the headers", s.NameString(), s.PointerToRawData)
			}
			s.PointerToRawData -= delta
		}
	}
	out := make([]byte, len(img.Data)-int(delta))
	copy(out, img.Data[delta:])
	obj := Image{
		Data:           out,
		FileHeader:     img.FileHeader,
		OptionalHeader: img.OptionalHeader,
		Sections:       sections,
	}
	if p := obj.FileHeader.PointerToSymbolTable; p >= delta {
		obj.FileHeader.PointerToSymbolTable = p - delta
	}
	obj.sync()
	return out, nil
}
