package pe

import (
	"github.com/pkg/errors"
)

const importDescriptorSize = 20

// An ImportDescriptor is an entry in the import directory table.
type ImportDescriptor struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32

	DLL string // name of the imported library, empty if Name is zero
}

// Imports reads the import directory table. The table ends with the first
// descriptor whose OriginalFirstThunk is zero, and that descriptor is
// included as the last element.
func (img *Image) Imports() ([]ImportDescriptor, error) {
	oh := &img.OptionalHeader
	if oh.NumberOfRvaAndSizes <= DirImport {
		return nil, errors.New("not enough data directories")
	}
	dir := oh.DataDirectory[DirImport]
	if dir.VirtualAddress == 0 {
		return nil, errors.New("image has no import directory")
	}
	var descs []ImportDescriptor
	for va := oh.ImageBase + dir.VirtualAddress; ; va += importDescriptorSize {
		b, ok := img.Bytes(va, importDescriptorSize)
		if !ok {
			return nil, errors.Errorf("import descriptor at 0x%08X is not in any section", va)
		}
		d := ImportDescriptor{
			OriginalFirstThunk: le.Uint32(b),
			TimeDateStamp:      le.Uint32(b[4:]),
			ForwarderChain:     le.Uint32(b[8:]),
			Name:               le.Uint32(b[12:]),
			FirstThunk:         le.Uint32(b[16:]),
		}
		if d.Name != 0 {
			name, ok := img.CString(oh.ImageBase + d.Name)
			if !ok {
				return nil, errors.Errorf("import name at 0x%08X is not in any section", oh.ImageBase+d.Name)
			}
			d.DLL = name
		}
		descs = append(descs, d)
		if d.OriginalFirstThunk == 0 {
			return descs, nil
		}
	}
}
