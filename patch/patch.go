// Package patch applies byte patches to PE images at virtual addresses.
package patch

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"moria.us/petool/pe"
)

// A Record is a single patch: bytes to be written at a virtual address.
type Record struct {
	Address uint32
	Data    []byte
	// Repeat, if nonzero, makes the record a fill of Repeat copies of
	// Data[0]. The bytes are only produced once the target is known.
	Repeat uint32
}

// Len returns the number of bytes the record writes.
func (r *Record) Len() uint32 {
	if r.Repeat != 0 {
		return r.Repeat
	}
	return uint32(len(r.Data))
}

// Bytes returns the bytes the record writes.
func (r *Record) Bytes() []byte {
	if r.Repeat == 0 {
		return r.Data
	}
	b := make([]byte, r.Repeat)
	r.writeTo(b)
	return b
}

// writeTo writes the record into dst, which is Len bytes long.
func (r *Record) writeTo(dst []byte) {
	if r.Repeat == 0 {
		copy(dst, r.Data)
		return
	}
	for i := range dst {
		dst[i] = r.Data[0]
	}
}

// An AddressNotFoundError indicates that no section holds file data for the
// patched address.
type AddressNotFoundError struct {
	Address uint32
}

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("memory address 0x%08X not found in image", e.Address)
}

// A SectionTooSmallError indicates that a patch would extend past the end of
// the raw data of the section it starts in.
type SectionTooSmallError struct {
	Address   uint32
	Length    uint32
	Section   string
	Available uint32 // bytes from Address to the end of the section data
}

func (e *SectionTooSmallError) Error() string {
	return fmt.Sprintf("patch of %d bytes at 0x%08X does not fit in section %q, which has %d bytes left",
		e.Length, e.Address, e.Section, e.Available)
}

// A RecordError is an error applying one record of a patch set.
type RecordError struct {
	Index   int // 0-based position in the patch set
	Address uint32
	Err     error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("patch %d at 0x%08X: %v", e.Index, e.Address, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Cause returns the underlying error, for github.com/pkg/errors.
func (e *RecordError) Cause() error { return e.Err }

// Locate resolves the file bytes for a patch of length bytes at the virtual
// address addr. The returned slice aliases the image.
func Locate(img *pe.Image, addr, length uint32) ([]byte, error) {
	i, ok := img.SectionAt(addr)
	if !ok {
		return nil, &AddressNotFoundError{Address: addr}
	}
	s := &img.Sections[i]
	avail := s.SizeOfRawData - (addr - (s.VirtualAddress + img.OptionalHeader.ImageBase))
	if length > avail {
		return nil, &SectionTooSmallError{
			Address:   addr,
			Length:    length,
			Section:   s.NameString(),
			Available: avail,
		}
	}
	b, ok := img.Bytes(addr, length)
	if !ok {
		return nil, errors.Wrapf(pe.ErrTruncated, "section %q raw data", s.NameString())
	}
	return b, nil
}

// Apply copies payload into the image at the virtual address addr. Nothing
// is written if the payload does not fit within one section's raw data.
func Apply(img *pe.Image, addr uint32, payload []byte) error {
	dst, err := Locate(img, addr, uint32(len(payload)))
	if err != nil {
		return err
	}
	copy(dst, payload)
	return nil
}

// An Applicator applies patch sets to an image and reports each patch.
type Applicator struct {
	// Logger receives a line for every record. If nil, the standard logrus
	// logger is used.
	Logger logrus.FieldLogger
	// DryRun checks every record without writing to the image.
	DryRun bool
}

func (a *Applicator) logger() logrus.FieldLogger {
	if a.Logger != nil {
		return a.Logger
	}
	return logrus.StandardLogger()
}

// Apply applies a single record.
func (a *Applicator) Apply(img *pe.Image, r Record) error {
	if r.Repeat != 0 && len(r.Data) == 0 {
		return errors.New("fill record has no value")
	}
	n := r.Len()
	dst, err := Locate(img, r.Address, n)
	if err != nil {
		return err
	}
	log := a.logger().WithFields(logrus.Fields{
		"address": fmt.Sprintf("0x%08X", r.Address),
		"length":  n,
	})
	if a.DryRun {
		log.Infof("CHECK %8d bytes -> %8X", n, r.Address)
	} else {
		r.writeTo(dst)
		log.Infof("PATCH %8d bytes -> %8X", n, r.Address)
	}
	switch {
	case a.DryRun:
		for _, line := range Disassemble(r.Bytes(), r.Address) {
			log.Info(line)
		}
	case debugEnabled(a.logger()):
		for _, line := range Disassemble(dst, r.Address) {
			log.Debug(line)
		}
	}
	return nil
}

func debugEnabled(l logrus.FieldLogger) bool {
	switch l := l.(type) {
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.DebugLevel)
	}
	return true
}

// ApplyAll applies records in order, stopping after a record with a zero
// address. It returns the number of records applied. The first record that
// fails stops the batch, and is reported as a *RecordError; records before
// it remain applied.
func (a *Applicator) ApplyAll(img *pe.Image, records []Record) (int, error) {
	for i, r := range records {
		if r.Address == 0 {
			return i, nil
		}
		if err := a.Apply(img, r); err != nil {
			return i, &RecordError{Index: i, Address: r.Address, Err: err}
		}
	}
	return len(records), nil
}
