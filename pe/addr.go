package pe

// An addrRange is a half-open range of addresses or file offsets.
type addrRange struct {
	addr uint32
	size uint32
}

// has returns true if the range contains the given address.
func (x addrRange) has(addr uint32) bool {
	return x.addr <= addr && uint64(addr) < uint64(x.addr)+uint64(x.size)
}

// overlaps returns true if the ranges contain any bytes in common.
func (x addrRange) overlaps(y addrRange) bool {
	return uint64(x.addr)+uint64(x.size) > uint64(y.addr) &&
		uint64(y.addr)+uint64(y.size) > uint64(x.addr)
}

// rawRange returns the virtual address range of the section which is backed
// by file data, as absolute addresses.
func (s *SectionHeader) rawRange(imageBase uint32) addrRange {
	return addrRange{s.VirtualAddress + imageBase, s.SizeOfRawData}
}

// fileRange returns the range of file offsets holding the section data.
func (s *SectionHeader) fileRange() addrRange {
	return addrRange{s.PointerToRawData, s.SizeOfRawData}
}

// virtualRange returns the relative virtual address range of the section
// when loaded.
func (s *SectionHeader) virtualRange() addrRange {
	size := s.VirtualSize
	if s.SizeOfRawData > size {
		size = s.SizeOfRawData
	}
	return addrRange{s.VirtualAddress, size}
}

// SectionIndex returns the index of the first section whose file-backed range
// contains the absolute virtual address va. The range of a section is
// VirtualAddress+imageBase up to SizeOfRawData bytes beyond that; addresses
// only covered by VirtualSize have no bytes in the file and are not found.
func SectionIndex(sections []SectionHeader, imageBase, va uint32) (int, bool) {
	for i := range sections {
		if sections[i].rawRange(imageBase).has(va) {
			return i, true
		}
	}
	return -1, false
}

// FileOffset translates the absolute virtual address va to an offset in the
// file, using the first section in table order that contains it.
func FileOffset(sections []SectionHeader, imageBase, va uint32) (uint32, bool) {
	i, ok := SectionIndex(sections, imageBase, va)
	if !ok {
		return 0, false
	}
	s := &sections[i]
	return va - (s.VirtualAddress + imageBase) + s.PointerToRawData, true
}

// FileOffset translates an absolute virtual address to a file offset.
func (img *Image) FileOffset(va uint32) (uint32, bool) {
	return FileOffset(img.Sections, img.OptionalHeader.ImageBase, va)
}

// SectionAt returns the index of the section containing the absolute virtual
// address va, by the same rule as FileOffset.
func (img *Image) SectionAt(va uint32) (int, bool) {
	return SectionIndex(img.Sections, img.OptionalHeader.ImageBase, va)
}

// VirtualAddress translates a file offset to an absolute virtual address,
// using the first section whose raw data contains the offset.
func (img *Image) VirtualAddress(off uint32) (uint32, bool) {
	for i := range img.Sections {
		s := &img.Sections[i]
		if !s.hasRawData() {
			continue
		}
		if s.fileRange().has(off) {
			return off - s.PointerToRawData + s.VirtualAddress + img.OptionalHeader.ImageBase, true
		}
	}
	return 0, false
}

// Bytes returns the size bytes of the file at the absolute virtual address
// va. The range must lie within the raw data of one section.
func (img *Image) Bytes(va, size uint32) ([]byte, bool) {
	i, ok := img.SectionAt(va)
	if !ok {
		return nil, false
	}
	s := &img.Sections[i]
	rel := va - (s.VirtualAddress + img.OptionalHeader.ImageBase)
	if uint64(rel)+uint64(size) > uint64(s.SizeOfRawData) {
		return nil, false
	}
	off := uint64(s.PointerToRawData) + uint64(rel)
	if off+uint64(size) > uint64(len(img.Data)) {
		return nil, false
	}
	return img.Data[off : off+uint64(size)], true
}

// CString returns the NUL-terminated string at the absolute virtual address
// va. The string ends at the end of its section's raw data if no NUL byte is
// found.
func (img *Image) CString(va uint32) (string, bool) {
	i, ok := img.SectionAt(va)
	if !ok {
		return "", false
	}
	s := &img.Sections[i]
	rel := va - (s.VirtualAddress + img.OptionalHeader.ImageBase)
	b, ok := img.Bytes(va, s.SizeOfRawData-rel)
	if !ok {
		return "", false
	}
	for n, c := range b {
		if c == 0 {
			return string(b[:n]), true
		}
	}
	return string(b), true
}
