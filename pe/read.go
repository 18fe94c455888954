package pe

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var le = binary.LittleEndian

// Parse decodes the headers of a PE image. The image takes ownership of data.
//
// All offsets are checked against the buffer before they are followed, so
// malformed input is rejected without reading out of bounds.
func Parse(data []byte) (*Image, error) {
	if len(data) < MinImageSize {
		return nil, errors.Wrapf(ErrTruncated, "file too small (%d bytes, need at least %d)", len(data), MinImageSize)
	}
	if le.Uint16(data) != DOSSignature {
		return nil, ErrNotDOSImage
	}
	lfanew := le.Uint32(data[dosLfanewOffset:])
	if uint64(lfanew)+4+fileHeaderSize > uint64(len(data)) {
		return nil, errors.Wrapf(ErrTruncated, "NT header at 0x%x is past end of file", lfanew)
	}
	if le.Uint32(data[lfanew:]) != NTSignature {
		return nil, ErrNotPEImage
	}
	return decode(data, int(lfanew)+4)
}

// ParseAny decodes either a PE image or a bare COFF object. A buffer without
// a DOS signature is accepted as an object if its file header names a known
// machine type.
func ParseAny(data []byte) (*Image, error) {
	if len(data) >= 2 && le.Uint16(data) == DOSSignature {
		return Parse(data)
	}
	if len(data) < fileHeaderSize {
		return nil, ErrNotDOSImage
	}
	switch le.Uint16(data) {
	case MachineI386, MachineAMD64, MachineARM, MachineARM64:
		return decode(data, 0)
	}
	return nil, ErrNotDOSImage
}

// decode reads the file header at off and everything following it.
func decode(data []byte, off int) (*Image, error) {
	img := &Image{
		Data:             data,
		fileHeaderOffset: off,
	}
	r := bytes.NewReader(data[off : off+fileHeaderSize])
	if err := binary.Read(r, le, &img.FileHeader); err != nil {
		return nil, err
	}
	fh := &img.FileHeader

	// Read optional header, which may be shorter than the full structure when
	// there are fewer than 16 data directories.
	ooff := img.optionalHeaderOffset()
	osize := int(fh.SizeOfOptionalHeader)
	if ooff+osize > len(data) {
		return nil, errors.Wrap(ErrTruncated, "optional header is out of bounds")
	}
	if osize > 0 {
		var buf [optionalHeaderSize]byte
		copy(buf[:], data[ooff:ooff+osize])
		if err := binary.Read(bytes.NewReader(buf[:]), le, &img.OptionalHeader); err != nil {
			return nil, err
		}
		if img.OptionalHeader.Magic == magicPE32Plus {
			return nil, ErrUnsupported
		}
	}

	// Read section table
	if fh.NumberOfSections == 0 {
		return nil, ErrNoSections
	}
	soff := img.sectionTableOffset()
	if soff+int(fh.NumberOfSections)*sectionHeaderSize > len(data) {
		return nil, errors.Wrapf(ErrTruncated, "section table with %d entries is out of bounds", fh.NumberOfSections)
	}
	img.Sections = make([]SectionHeader, fh.NumberOfSections)
	r = bytes.NewReader(data[soff:])
	if err := binary.Read(r, le, img.Sections); err != nil {
		return nil, err
	}
	return img, nil
}

// encodeHeader appends the little-endian encoding of a fixed-size header.
func encodeHeader(buf *bytes.Buffer, v interface{}) {
	if err := binary.Write(buf, le, v); err != nil {
		panic("pe: cannot encode header: " + err.Error())
	}
}

// sync encodes the headers back into Data. The section table is written with
// len(Sections) entries and NumberOfSections is updated to match.
func (img *Image) sync() {
	img.FileHeader.NumberOfSections = uint16(len(img.Sections))
	var buf bytes.Buffer
	encodeHeader(&buf, &img.FileHeader)
	copy(img.Data[img.fileHeaderOffset:], buf.Bytes())

	if n := int(img.FileHeader.SizeOfOptionalHeader); n > 0 {
		buf.Reset()
		encodeHeader(&buf, &img.OptionalHeader)
		if n > buf.Len() {
			n = buf.Len()
		}
		copy(img.Data[img.optionalHeaderOffset():], buf.Bytes()[:n])
	}

	buf.Reset()
	encodeHeader(&buf, img.Sections)
	copy(img.Data[img.sectionTableOffset():], buf.Bytes())
}

// checkLayout verifies that the section table and all raw section data lie
// within the buffer. Editing operations call this before changing anything.
func (img *Image) checkLayout() error {
	end := img.sectionTableOffset() + len(img.Sections)*sectionHeaderSize
	if end > len(img.Data) {
		return errors.Wrap(ErrTruncated, "section table is out of bounds")
	}
	for i := range img.Sections {
		s := &img.Sections[i]
		if !s.hasRawData() {
			continue
		}
		if uint64(s.PointerToRawData)+uint64(s.SizeOfRawData) > uint64(len(img.Data)) {
			return errors.Wrapf(ErrTruncated, "section %q raw data is out of bounds", s.NameString())
		}
		for j := 0; j < i; j++ {
			t := &img.Sections[j]
			if t.hasRawData() && t.fileRange().overlaps(s.fileRange()) {
				return errors.Errorf("sections %q and %q have overlapping raw data", t.NameString(), s.NameString())
			}
		}
	}
	return nil
}
