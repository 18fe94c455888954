package pe

import (
	"math"

	"github.com/pkg/errors"
)

// totals are the optional header fields derived from section sizes.
type totals struct {
	code, init, uninit uint32
}

// sizeTotals returns what the section contributes to the size totals in the
// optional header. A section with only uninitialized data has no raw data,
// so its virtual size aligned to the file alignment is counted instead.
func (img *Image) sizeTotals(s *SectionHeader) totals {
	size := s.SizeOfRawData
	if s.Characteristics.uninitOnly() {
		size = alignUp(s.VirtualSize, img.OptionalHeader.FileAlignment)
	}
	var t totals
	if s.Characteristics&SectionCode != 0 {
		t.code = size
	}
	if s.Characteristics&SectionInitData != 0 {
		t.init = size
	}
	if s.Characteristics&SectionUninitData != 0 {
		t.uninit = size
	}
	return t
}

func (img *Image) addTotals(t totals) {
	oh := &img.OptionalHeader
	oh.SizeOfCode += t.code
	oh.SizeOfInitializedData += t.init
	oh.SizeOfUninitializedData += t.uninit
}

func (img *Image) subTotals(t totals) {
	oh := &img.OptionalHeader
	oh.SizeOfCode = subFloor(oh.SizeOfCode, t.code)
	oh.SizeOfInitializedData = subFloor(oh.SizeOfInitializedData, t.init)
	oh.SizeOfUninitializedData = subFloor(oh.SizeOfUninitializedData, t.uninit)
}

func subFloor(x, y uint32) uint32 {
	if y > x {
		return 0
	}
	return x - y
}

// rawEnd returns the end of the last section's raw data in the file, or the
// aligned header size if no section has raw data.
func (img *Image) rawEnd() uint32 {
	end := alignUp(img.OptionalHeader.SizeOfHeaders, img.OptionalHeader.FileAlignment)
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.hasRawData() && s.PointerToRawData+s.SizeOfRawData > end {
			end = s.PointerToRawData + s.SizeOfRawData
		}
	}
	return end
}

// firstRawData returns the lowest file offset of any section's raw data.
func (img *Image) firstRawData() uint32 {
	first := uint32(len(img.Data))
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.hasRawData() && s.PointerToRawData < first {
			first = s.PointerToRawData
		}
	}
	return first
}

// shiftFilePointers adjusts every file pointer at or after off by delta.
func (img *Image) shiftFilePointers(off uint32, delta int64) {
	shift := func(p *uint32) {
		if *p != 0 && *p >= off {
			*p = uint32(int64(*p) + delta)
		}
	}
	shift(&img.FileHeader.PointerToSymbolTable)
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.SizeOfRawData != 0 {
			shift(&s.PointerToRawData)
		}
		shift(&s.PointerToRelocations)
		shift(&s.PointerToLinenumbers)
	}
}

func (img *Image) checkEditable() error {
	if img.IsObject() {
		return errors.New("sections of an object file cannot be edited")
	}
	oh := &img.OptionalHeader
	if oh.SectionAlignment == 0 || oh.FileAlignment == 0 {
		return errors.Errorf("invalid alignment (section 0x%x, file 0x%x)", oh.SectionAlignment, oh.FileAlignment)
	}
	return img.checkLayout()
}

// AddSection appends a new zero-filled section to the image.
//
// The section is placed after the end of every existing section, both in
// virtual address space and in the file. A section with only uninitialized
// data gets no raw data. Data following the last section, such as a symbol
// table or an overlay, is moved to make room.
func (img *Image) AddSection(name string, flags SectionFlags, virtualSize uint32) error {
	if err := img.checkEditable(); err != nil {
		return err
	}
	if virtualSize == 0 {
		return errors.Wrap(ErrInvalidVirtualSize, "size is zero")
	}
	var sh SectionHeader
	if err := sh.SetName(name); err != nil {
		return err
	}
	if img.FindSection(name) >= 0 {
		return errors.Errorf("section %q already exists", name)
	}
	oh := &img.OptionalHeader

	// The new header goes directly after the last one, and must not reach
	// the data of any section.
	hdrEnd := uint32(img.sectionTableOffset() + (len(img.Sections)+1)*sectionHeaderSize)
	if first := img.firstRawData(); hdrEnd > first {
		return errors.Wrapf(ErrInsufficientHeaderRoom, "header would end at 0x%x, section data starts at 0x%x", hdrEnd, first)
	}

	var va uint32
	for i := range img.Sections {
		r := img.Sections[i].virtualRange()
		if end := alignUp(r.addr+r.size, oh.SectionAlignment); end > va {
			va = end
		}
	}
	if uint64(va)+uint64(virtualSize) > math.MaxUint32-uint64(oh.SectionAlignment) ||
		uint64(virtualSize)+uint64(oh.FileAlignment) > math.MaxUint32 {
		return errors.Wrapf(ErrInvalidVirtualSize, "section of 0x%x bytes at 0x%x exceeds the address space", virtualSize, va)
	}
	sh.VirtualSize = virtualSize
	sh.VirtualAddress = va
	sh.Characteristics = flags

	if !flags.uninitOnly() {
		insert := img.rawEnd()
		if insert > uint32(len(img.Data)) {
			insert = uint32(len(img.Data))
		}
		ptr := alignUp(insert, oh.FileAlignment)
		raw := alignUp(virtualSize, oh.FileAlignment)
		if uint64(ptr)+uint64(raw) > math.MaxUint32 {
			return errors.Wrapf(ErrInvalidVirtualSize, "raw data of 0x%x bytes at 0x%x exceeds the file size limit", raw, ptr)
		}
		grow := ptr - insert + raw
		img.shiftFilePointers(insert, int64(grow))
		img.Data = splice(img.Data, int(insert), 0, int(grow))
		sh.PointerToRawData = ptr
		sh.SizeOfRawData = raw
	}

	if hdrEnd > oh.SizeOfHeaders {
		oh.SizeOfHeaders = alignUp(hdrEnd, oh.FileAlignment)
	}
	img.Sections = append(img.Sections, sh)
	img.addTotals(img.sizeTotals(&sh))
	oh.SizeOfImage = alignUp(va+virtualSize, oh.SectionAlignment)
	oh.CheckSum = 0
	if name == ".rsrc" && oh.NumberOfRvaAndSizes > DirResource {
		oh.DataDirectory[DirResource] = DataDirectory{va, virtualSize}
	}
	img.sync()
	return nil
}

// RemoveSection removes the first section with the given name and its raw
// data. Data directory entries pointing into the section are cleared.
func (img *Image) RemoveSection(name string) error {
	if err := img.checkEditable(); err != nil {
		return err
	}
	idx := img.FindSection(name)
	if idx < 0 {
		return errors.Wrapf(ErrSectionNotFound, "%q", name)
	}
	if len(img.Sections) == 1 {
		return errors.Wrapf(ErrNoSections, "cannot remove %q, the only section", name)
	}
	oh := &img.OptionalHeader
	s := img.Sections[idx]

	img.subTotals(img.sizeTotals(&s))
	highest := true
	for i := range img.Sections {
		if i != idx && img.Sections[i].VirtualAddress > s.VirtualAddress {
			highest = false
			break
		}
	}
	if highest {
		oh.SizeOfImage = alignUp(s.VirtualAddress, oh.SectionAlignment)
	}
	vr := s.virtualRange()
	ndir := oh.NumberOfRvaAndSizes
	if ndir > NumDirectories {
		ndir = NumDirectories
	}
	for i := range oh.DataDirectory[:ndir] {
		d := &oh.DataDirectory[i]
		if d.VirtualAddress != 0 && vr.has(d.VirtualAddress) {
			*d = DataDirectory{}
		}
	}
	oh.CheckSum = 0

	img.Sections = append(img.Sections[:idx], img.Sections[idx+1:]...)
	if s.hasRawData() {
		end := s.PointerToRawData + s.SizeOfRawData
		img.shiftFilePointers(end, -int64(s.SizeOfRawData))
		img.Data = splice(img.Data, int(s.PointerToRawData), int(s.SizeOfRawData), 0)
	}

	// Clear the slot that held the last header.
	last := img.sectionTableOffset() + len(img.Sections)*sectionHeaderSize
	clear(img.Data[last : last+sectionHeaderSize])
	img.sync()
	return nil
}

// SetCharacteristics replaces the flags of the first section with the given
// name.
func (img *Image) SetCharacteristics(name string, flags SectionFlags) error {
	s, err := img.Section(name)
	if err != nil {
		return err
	}
	s.Characteristics = flags
	img.OptionalHeader.CheckSum = 0
	img.sync()
	return nil
}

// SetVirtualSize sets the virtual size of the first section with the given
// name. The size may not be smaller than the raw data of the section.
func (img *Image) SetVirtualSize(name string, size uint32) error {
	s, err := img.Section(name)
	if err != nil {
		return err
	}
	if size == 0 {
		return errors.Wrap(ErrInvalidVirtualSize, "size is zero")
	}
	if size < s.SizeOfRawData {
		return errors.Wrapf(ErrInvalidVirtualSize, "0x%x is smaller than raw size 0x%x", size, s.SizeOfRawData)
	}
	s.VirtualSize = size
	img.OptionalHeader.CheckSum = 0
	img.sync()
	return nil
}

// SetDataDirectory overwrites a data directory entry.
func (img *Image) SetDataDirectory(index int, d DataDirectory) error {
	n := img.OptionalHeader.NumberOfRvaAndSizes
	if n > NumDirectories {
		n = NumDirectories
	}
	if index < 0 || uint32(index) >= n {
		return errors.Errorf("data directory index %d out of range (image has %d)", index, n)
	}
	img.OptionalHeader.DataDirectory[index] = d
	img.OptionalHeader.CheckSum = 0
	img.sync()
	return nil
}

// SectionData returns the raw data of the first section with the given name.
// The returned slice aliases the image.
func (img *Image) SectionData(name string) ([]byte, error) {
	s, err := img.Section(name)
	if err != nil {
		return nil, err
	}
	if !s.hasRawData() {
		return nil, nil
	}
	end := uint64(s.PointerToRawData) + uint64(s.SizeOfRawData)
	if end > uint64(len(img.Data)) {
		return nil, errors.Wrapf(ErrTruncated, "section %q raw data is out of bounds", name)
	}
	return img.Data[s.PointerToRawData:end], nil
}

// ReplaceSectionData copies data over the start of a section's raw data. The
// data may not be larger than the section.
func (img *Image) ReplaceSectionData(name string, data []byte) error {
	dst, err := img.SectionData(name)
	if err != nil {
		return err
	}
	if len(data) > len(dst) {
		return errors.Errorf("%d bytes do not fit in section %q of %d bytes", len(data), name, len(dst))
	}
	copy(dst, data)
	return nil
}

// splice replaces n bytes at off with grow zero bytes.
func splice(data []byte, off, n, grow int) []byte {
	out := make([]byte, 0, len(data)-n+grow)
	out = append(out, data[:off]...)
	out = append(out, make([]byte, grow)...)
	return append(out, data[off+n:]...)
}
