// Package petest builds small synthetic PE32 images for tests.
package petest

import (
	"encoding/binary"

	"moria.us/petool/pe"
)

// Layout of every built image.
const (
	ImageBase        = 0x400000
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	HeaderSize       = 0x400
	Lfanew           = 0x80

	// SectionTableOffset is the file offset of the first section header.
	SectionTableOffset = Lfanew + 4 + 20 + 224
)

// A Section describes a section of a built image.
type Section struct {
	Name        string
	Flags       pe.SectionFlags
	VirtualSize uint32
	RawSize     uint32 // multiple of FileAlignment, zero for no file data
	Data        []byte // copied to the start of the raw data
}

// Text returns a code section of the given size, filled with 0x90 bytes.
func Text(size uint32) Section {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0x90
	}
	return Section{
		Name:        ".text",
		Flags:       pe.SectionRead | pe.SectionExecute | pe.SectionCode,
		VirtualSize: size,
		RawSize:     alignUp(size, FileAlignment),
		Data:        data,
	}
}

// Data returns an initialized data section with the given contents.
func Data(name string, data []byte) Section {
	return Section{
		Name:        name,
		Flags:       pe.SectionRead | pe.SectionWrite | pe.SectionInitData,
		VirtualSize: uint32(len(data)),
		RawSize:     alignUp(uint32(len(data)), FileAlignment),
		Data:        data,
	}
}

// BSS returns an uninitialized data section with no file data.
func BSS(size uint32) Section {
	return Section{
		Name:        ".bss",
		Flags:       pe.SectionRead | pe.SectionWrite | pe.SectionUninitData,
		VirtualSize: size,
	}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}

// VirtualAddresses returns the relative virtual address Build assigns to
// each section.
func VirtualAddresses(sections ...Section) []uint32 {
	vas := make([]uint32, len(sections))
	va := uint32(SectionAlignment)
	for i, s := range sections {
		vas[i] = va
		size := s.VirtualSize
		if s.RawSize > size {
			size = s.RawSize
		}
		va += alignUp(size, SectionAlignment)
	}
	return vas
}

// Build returns an i386 image with the given sections, laid out one after
// another in file and memory order starting at HeaderSize and
// SectionAlignment. All 16 data directories are present and empty, and the
// entry point is the start of the first section.
func Build(sections ...Section) []byte {
	le := binary.LittleEndian
	vas := VirtualAddresses(sections...)
	size := uint32(HeaderSize)
	for _, s := range sections {
		size += s.RawSize
	}
	d := make([]byte, size)
	d[0] = 'M'
	d[1] = 'Z'
	le.PutUint32(d[0x3c:], Lfanew)
	copy(d[Lfanew:], "PE\x00\x00")

	fh := d[Lfanew+4:]
	le.PutUint16(fh[0:], pe.MachineI386)
	le.PutUint16(fh[2:], uint16(len(sections))) // number of sections
	le.PutUint16(fh[16:], 224)                  // size of optional header
	le.PutUint16(fh[18:], 0x0102)               // executable, 32-bit

	var code, initData, uninit, imageEnd uint32
	sh := d[SectionTableOffset:]
	ptr := uint32(HeaderSize)
	for i, s := range sections {
		h := sh[i*40:]
		copy(h[:8], s.Name)
		le.PutUint32(h[8:], s.VirtualSize)
		le.PutUint32(h[12:], vas[i])
		le.PutUint32(h[16:], s.RawSize)
		if s.RawSize != 0 {
			le.PutUint32(h[20:], ptr)
			copy(d[ptr:ptr+s.RawSize], s.Data)
			ptr += s.RawSize
		}
		le.PutUint32(h[36:], uint32(s.Flags))

		contrib := s.RawSize
		if s.RawSize == 0 {
			contrib = alignUp(s.VirtualSize, FileAlignment)
		}
		if s.Flags&pe.SectionCode != 0 {
			code += contrib
		}
		if s.Flags&pe.SectionInitData != 0 {
			initData += contrib
		}
		if s.Flags&pe.SectionUninitData != 0 {
			uninit += contrib
		}
		end := s.VirtualSize
		if s.RawSize > end {
			end = s.RawSize
		}
		imageEnd = alignUp(vas[i]+end, SectionAlignment)
	}
	if len(sections) == 0 {
		imageEnd = SectionAlignment
	}

	oh := d[Lfanew+4+20:]
	le.PutUint16(oh[0:], 0x10b) // PE32
	le.PutUint32(oh[4:], code)
	le.PutUint32(oh[8:], initData)
	le.PutUint32(oh[12:], uninit)
	if len(vas) != 0 {
		le.PutUint32(oh[16:], vas[0]) // entry point
	}
	le.PutUint32(oh[28:], ImageBase)
	le.PutUint32(oh[32:], SectionAlignment)
	le.PutUint32(oh[36:], FileAlignment)
	le.PutUint16(oh[40:], 4) // OS version
	le.PutUint16(oh[48:], 4) // subsystem version
	le.PutUint32(oh[56:], imageEnd)
	le.PutUint32(oh[60:], HeaderSize)
	le.PutUint16(oh[68:], 3) // console
	le.PutUint32(oh[72:], 0x100000)
	le.PutUint32(oh[76:], 0x1000)
	le.PutUint32(oh[80:], 0x100000)
	le.PutUint32(oh[84:], 0x1000)
	le.PutUint32(oh[92:], pe.NumDirectories)
	return d
}

// SetDataDirectory sets a data directory entry in an image returned by Build.
func SetDataDirectory(image []byte, index int, va, size uint32) {
	off := Lfanew + 4 + 20 + 96 + index*8
	binary.LittleEndian.PutUint32(image[off:], va)
	binary.LittleEndian.PutUint32(image[off+4:], size)
}

// Resources returns a resource section with n leaves for a section loaded at
// the relative virtual address base. There is one type directory holding n
// names, each with a single language. Leaf data entries point to 4-byte
// payloads in the same section. The offsets of the data entries are returned
// along with the section data.
func Resources(base uint32, n int) (data []byte, entries []uint32) {
	le := binary.LittleEndian
	const (
		dirSize   = 16
		entrySize = 8
		leafSize  = 16
		subdir    = 0x80000000
	)
	nameDir := dirSize + entrySize
	langDir := nameDir + dirSize + entrySize*n
	leaves := langDir + (dirSize+entrySize)*n
	payload := leaves + leafSize*n
	data = make([]byte, payload+4*n)

	le.PutUint16(data[14:], 1) // id entries
	le.PutUint32(data[16:], 3) // RT_ICON
	le.PutUint32(data[20:], subdir|uint32(nameDir))
	le.PutUint16(data[nameDir+14:], uint16(n))
	for i := 0; i < n; i++ {
		e := data[nameDir+dirSize+i*entrySize:]
		ld := langDir + i*(dirSize+entrySize)
		le.PutUint32(e, uint32(i+1))
		le.PutUint32(e[4:], subdir|uint32(ld))

		le.PutUint16(data[ld+14:], 1)
		leaf := leaves + i*leafSize
		le.PutUint32(data[ld+dirSize:], 0x409)
		le.PutUint32(data[ld+dirSize+4:], uint32(leaf))

		p := payload + 4*i
		le.PutUint32(data[leaf:], base+uint32(p))
		le.PutUint32(data[leaf+4:], 4)
		le.PutUint32(data[p:], uint32(i))
		entries = append(entries, uint32(leaf))
	}
	return data, entries
}

// Imports returns an import directory table for a section loaded at the
// relative virtual address base, importing nothing from each of the named
// libraries. The table starts at the beginning of the section.
func Imports(base uint32, dlls ...string) []byte {
	le := binary.LittleEndian
	const descSize = 20
	thunks := (len(dlls) + 1) * descSize
	names := thunks + 4
	data := make([]byte, names)
	for i, dll := range dlls {
		d := data[i*descSize:]
		le.PutUint32(d[0:], base+uint32(thunks))     // original first thunk
		le.PutUint32(d[12:], base+uint32(len(data))) // name
		le.PutUint32(d[16:], base+uint32(thunks))    // first thunk
		data = append(data, dll...)
		data = append(data, 0)
	}
	return data
}
