// Package pe provides an interface to 32-bit PE images and COFF objects.
//
// An Image owns the complete file contents. Header fields are decoded into
// typed structs when the image is parsed, and every editing operation
// encodes them back into the buffer before returning, so Data is always the
// file as it would be written to disk.
package pe

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotDOSImage indicates a missing "MZ" signature.
	ErrNotDOSImage = errors.New("file DOS signature invalid")
	// ErrNotPEImage indicates a missing "PE\0\0" signature.
	ErrNotPEImage = errors.New("file NT signature invalid")
	// ErrTruncated indicates a header or table extending past the end of the
	// buffer.
	ErrTruncated = errors.New("file truncated")
	// ErrUnsupported indicates a PE32+ (64-bit) image.
	ErrUnsupported = errors.New("PE32+ images are not supported")
	// ErrNoSections indicates an image or object without any sections.
	ErrNoSections = errors.New("no sections")
	// ErrSectionNotFound indicates a failed section name lookup.
	ErrSectionNotFound = errors.New("section not found")
	// ErrInsufficientHeaderRoom indicates that another section header would
	// overwrite section data.
	ErrInsufficientHeaderRoom = errors.New("no room for another section header")
	// ErrInvalidVirtualSize indicates a virtual size of zero, or one smaller
	// than the raw data backing the section.
	ErrInvalidVirtualSize = errors.New("invalid virtual size")
)

// Signatures and machine types.
const (
	DOSSignature = 0x5a4d     // "MZ"
	NTSignature  = 0x00004550 // "PE\0\0"

	MachineI386  = 0x014c
	MachineAMD64 = 0x8664
	MachineARM   = 0x01c0
	MachineARM64 = 0xaa64

	// MinImageSize is the smallest buffer accepted as an image.
	MinImageSize = 512
)

// Sizes of the fixed on-disk records.
const (
	fileHeaderSize     = 20
	optionalHeaderSize = 224
	sectionHeaderSize  = 40
	dosLfanewOffset    = 0x3c

	magicPE32     = 0x10b
	magicPE32Plus = 0x20b
)

// Data directory indexes.
const (
	DirExport    = 0
	DirImport    = 1
	DirResource  = 2
	DirException = 3
	DirSecurity  = 4
	DirBaseReloc = 5

	NumDirectories = 16
)

// A SectionFlags is the Characteristics field of a section header.
type SectionFlags uint32

const (
	// SectionCode indicates the section contains executable code.
	SectionCode SectionFlags = 0x00000020
	// SectionInitData indicates the section contains initialized data.
	SectionInitData SectionFlags = 0x00000040
	// SectionUninitData indicates the section contains uninitialized data.
	SectionUninitData SectionFlags = 0x00000080
	// SectionExecute indicates the section can be executed.
	SectionExecute SectionFlags = 0x20000000
	// SectionRead indicates the section can be read.
	SectionRead SectionFlags = 0x40000000
	// SectionWrite indicates the section can be written.
	SectionWrite SectionFlags = 0x80000000
)

var flagLetters = []struct {
	letter byte
	flag   SectionFlags
}{
	{'r', SectionRead},
	{'w', SectionWrite},
	{'x', SectionExecute},
	{'c', SectionCode},
	{'i', SectionInitData},
	{'u', SectionUninitData},
}

// String returns the flags as the six letters "rwxciu", with '-' in place
// of each flag that is not set. Other bits are not shown.
func (f SectionFlags) String() string {
	var b [6]byte
	for i, l := range flagLetters {
		if f&l.flag != 0 {
			b[i] = l.letter
		} else {
			b[i] = '-'
		}
	}
	return string(b[:])
}

// ParseSectionFlags parses a set of flags written as letters from "rwxciu",
// in any order. The character '-' is ignored, so the output of String is
// accepted.
func ParseSectionFlags(s string) (SectionFlags, error) {
	var f SectionFlags
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '-' {
			continue
		}
		var found bool
		for _, l := range flagLetters {
			if l.letter == c {
				f |= l.flag
				found = true
				break
			}
		}
		if !found {
			return 0, errors.Errorf("invalid section flag %q (expected one of rwxciu)", c)
		}
	}
	return f, nil
}

// uninitOnly returns true if the section holds no file data by its flags.
func (f SectionFlags) uninitOnly() bool {
	return f&SectionUninitData != 0 && f&(SectionCode|SectionInitData) == 0
}

// A FileHeader is the COFF file header.
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// A DataDirectory is an entry in the optional header data directory table.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// An OptionalHeader is the PE32 optional header.
type OptionalHeader struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [NumDirectories]DataDirectory
}

// A SectionHeader is an entry in the section table.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32 // also PhysicalAddress
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      SectionFlags
}

// NameString returns the section name, which ends at the first NUL byte or
// after eight bytes.
func (s *SectionHeader) NameString() string {
	n := strings.IndexByte(string(s.Name[:]), 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}

// SetName sets the section name. Names longer than eight bytes are rejected;
// the string table form of long names is not supported.
func (s *SectionHeader) SetName(name string) error {
	if len(name) > len(s.Name) {
		return errors.Errorf("section name %q is longer than %d bytes", name, len(s.Name))
	}
	s.Name = [8]byte{}
	copy(s.Name[:], name)
	return nil
}

// hasRawData returns true if the section occupies bytes in the file.
func (s *SectionHeader) hasRawData() bool {
	return s.SizeOfRawData != 0 && s.PointerToRawData != 0
}

// An Image is a PE image or COFF object loaded into memory.
type Image struct {
	Data           []byte // complete file contents
	FileHeader     FileHeader
	OptionalHeader OptionalHeader
	Sections       []SectionHeader

	// Offset of the file header in Data. Zero for objects without a DOS and
	// NT prologue.
	fileHeaderOffset int
}

// IsObject returns true if the buffer is a bare COFF object rather than an
// image with DOS and NT headers.
func (img *Image) IsObject() bool {
	return img.fileHeaderOffset == 0
}

// Lfanew returns the e_lfanew field of the DOS header, the file offset of the
// NT signature. Objects have no DOS header and return zero.
func (img *Image) Lfanew() uint32 {
	if img.IsObject() {
		return 0
	}
	return uint32(img.fileHeaderOffset - 4)
}

func (img *Image) optionalHeaderOffset() int {
	return img.fileHeaderOffset + fileHeaderSize
}

func (img *Image) sectionTableOffset() int {
	return img.optionalHeaderOffset() + int(img.FileHeader.SizeOfOptionalHeader)
}

// FindSection returns the index of the first section with the given name, or
// -1 if there is none. Names are compared exactly.
func (img *Image) FindSection(name string) int {
	for i := range img.Sections {
		if img.Sections[i].NameString() == name {
			return i
		}
	}
	return -1
}

// Section returns the first section with the given name.
func (img *Image) Section(name string) (*SectionHeader, error) {
	i := img.FindSection(name)
	if i < 0 {
		return nil, errors.Wrapf(ErrSectionNotFound, "%q", name)
	}
	return &img.Sections[i], nil
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}
