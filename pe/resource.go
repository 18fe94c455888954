package pe

import (
	"github.com/pkg/errors"
)

// RelI386Dir32NB is the COFF relocation type for a 32-bit address relative to
// the image base.
const RelI386Dir32NB = 7

// A Relocation is a COFF relocation record.
type Relocation struct {
	VirtualAddress   uint32 // offset of the field within the section
	SymbolTableIndex uint32
	Type             uint16
}

const (
	resDirSize       = 16
	resDirEntrySize  = 8
	resDataEntrySize = 16

	// resSubdirFlag marks a directory entry that points to another directory.
	resSubdirFlag = 0x80000000

	// resLevels is the depth of the tree: type, name, language.
	resLevels = 3
)

// CollectLeaves walks the resource directory tree at the start of a resource
// section and rebases every data entry to be relative to the section.
//
// The section is the raw data of the resource section, and base is its
// virtual address. Each data entry's OffsetToData field, which holds an RVA,
// is rewritten in place to OffsetToData-base, and a relocation of type
// RelI386Dir32NB is returned for it. The tree always has exactly three
// levels. A data entry reached more than once is rebased only once.
func CollectLeaves(section []byte, base uint32) ([]Relocation, error) {
	w := resWalker{
		data: section,
		base: base,
		seen: make(map[uint32]bool),
	}
	if err := w.walk(0, 0); err != nil {
		return nil, err
	}
	return w.relocs, nil
}

type resWalker struct {
	data   []byte
	base   uint32
	seen   map[uint32]bool
	relocs []Relocation
}

func (w *resWalker) check(off, size uint32, what string) error {
	if uint64(off)+uint64(size) > uint64(len(w.data)) {
		return errors.Wrapf(ErrTruncated, "resource %s at 0x%x is out of bounds", what, off)
	}
	return nil
}

func (w *resWalker) walk(off uint32, level int) error {
	if err := w.check(off, resDirSize, "directory"); err != nil {
		return err
	}
	n := uint32(le.Uint16(w.data[off+12:])) + uint32(le.Uint16(w.data[off+14:]))
	eoff := off + resDirSize
	if err := w.check(eoff, n*resDirEntrySize, "directory entries"); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		target := le.Uint32(w.data[eoff+i*resDirEntrySize+4:]) &^ resSubdirFlag
		if level < resLevels-1 {
			if err := w.walk(target, level+1); err != nil {
				return err
			}
			continue
		}
		if err := w.leaf(target); err != nil {
			return err
		}
	}
	return nil
}

func (w *resWalker) leaf(off uint32) error {
	if err := w.check(off, resDataEntrySize, "data entry"); err != nil {
		return err
	}
	if w.seen[off] {
		return nil
	}
	w.seen[off] = true
	le.PutUint32(w.data[off:], le.Uint32(w.data[off:])-w.base)
	w.relocs = append(w.relocs, Relocation{
		VirtualAddress: off,
		Type:           RelI386Dir32NB,
	})
	return nil
}
