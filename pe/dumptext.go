package pe

import (
	"bufio"
	"strconv"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

func writeHexStr(w *bufio.Writer, b []byte) {
	d := make([]byte, 4*len(b)+3)
	j := 3*len(b) + 2
	for i, c := range b {
		d[i*3+0] = hexDigits[c>>4]
		d[i*3+1] = hexDigits[c&15]
		d[i*3+2] = ' '
		if 0x20 <= c && c <= 0x7e {
			d[j+i] = c
		} else {
			d[j+i] = '.'
		}
	}
	d[j-2] = ' '
	d[j-1] = '"'
	d[4*len(b)+2] = '"'
	w.Write(d)
}

func machineName(v uint16) string {
	switch v {
	case MachineI386:
		return "i386"
	case MachineAMD64:
		return "amd64"
	case MachineARM:
		return "arm"
	case MachineARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

func subsystemName(v uint16) string {
	switch v {
	case 1:
		return "native"
	case 2:
		return "windows gui"
	case 3:
		return "windows console"
	default:
		return ""
	}
}

var directoryNames = [NumDirectories]string{
	"Export", "Import", "Resource", "Exception",
	"Security", "Base Relocation", "Debug", "Architecture",
	"Global Pointer", "TLS", "Load Config", "Bound Import",
	"IAT", "Delay Import", "COM Descriptor", "Reserved",
}

func writeInt0(w *bufio.Writer, v uint32, sz uint) {
	for i := uint(sz * 2); i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}

func writeInt(w *bufio.Writer, v uint32, sz uint) {
	w.WriteString("0x")
	writeInt0(w, v, sz)
}

type field struct {
	name string
	data interface{}
	hint string
}

func dumpFields(w *bufio.Writer, prefix string, fields []field) {
	if len(fields) == 0 {
		return
	}
	var maxName int
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
	}
	spaces := make([]byte, maxName+2)
	for i := range spaces {
		spaces[i] = ' '
	}
	for _, f := range fields {
		w.WriteString(prefix)
		w.WriteString(f.name)
		w.WriteByte(':')
		w.Write(spaces[:maxName+2-len(f.name)])
		switch v := f.data.(type) {
		case []byte:
			writeHexStr(w, v)
		case uint8:
			writeInt(w, uint32(v), 1)
		case uint16:
			writeInt(w, uint32(v), 2)
		case uint32:
			writeInt(w, v, 4)
		case SectionFlags:
			writeInt(w, uint32(v), 4)
		case DataDirectory:
			writeInt(w, v.VirtualAddress, 4)
			w.WriteByte(' ')
			writeInt(w, v.Size, 4)
		default:
			panic("unknown field type for " + f.name)
		}
		if f.hint != "" {
			w.WriteString("  ")
			w.WriteString(f.hint)
		}
		w.WriteByte('\n')
	}
}

// DumpText writes the file header, in text format, to the writer.
func (h *FileHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Machine", h.Machine, machineName(h.Machine)},
		{"Number Of Sections", h.NumberOfSections, ""},
		{"Time Date Stamp", h.TimeDateStamp, ""},
		{"Pointer To Symbol Table", h.PointerToSymbolTable, ""},
		{"Number Of Symbols", h.NumberOfSymbols, ""},
		{"Size Of Optional Header", h.SizeOfOptionalHeader, ""},
		{"Characteristics", h.Characteristics, ""},
	})
}

// DumpText writes the optional header, in text format, to the writer. Only
// the data directories counted by NumberOfRvaAndSizes are written.
func (h *OptionalHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Magic", h.Magic, ""},
		{"Linker Version", []byte{h.MajorLinkerVersion, h.MinorLinkerVersion}, ""},
		{"Size Of Code", h.SizeOfCode, ""},
		{"Size Of Initialized Data", h.SizeOfInitializedData, ""},
		{"Size Of Uninitialized Data", h.SizeOfUninitializedData, ""},
		{"Address Of Entry Point", h.AddressOfEntryPoint, ""},
		{"Base Of Code", h.BaseOfCode, ""},
		{"Base Of Data", h.BaseOfData, ""},
		{"Image Base", h.ImageBase, ""},
		{"Section Alignment", h.SectionAlignment, ""},
		{"File Alignment", h.FileAlignment, ""},
		{"Size Of Image", h.SizeOfImage, ""},
		{"Size Of Headers", h.SizeOfHeaders, ""},
		{"Check Sum", h.CheckSum, ""},
		{"Subsystem", h.Subsystem, subsystemName(h.Subsystem)},
		{"Dll Characteristics", h.DllCharacteristics, ""},
		{"Size Of Stack Reserve", h.SizeOfStackReserve, ""},
		{"Size Of Stack Commit", h.SizeOfStackCommit, ""},
		{"Size Of Heap Reserve", h.SizeOfHeapReserve, ""},
		{"Size Of Heap Commit", h.SizeOfHeapCommit, ""},
		{"Number Of Rva And Sizes", h.NumberOfRvaAndSizes, ""},
	})
	n := h.NumberOfRvaAndSizes
	if n > NumDirectories {
		n = NumDirectories
	}
	var dirs []field
	for i, d := range h.DataDirectory[:n] {
		dirs = append(dirs, field{directoryNames[i], d, ""})
	}
	if len(dirs) != 0 {
		w.WriteString(prefix)
		w.WriteString("Data Directories:\n")
		dumpFields(w, prefix+indentLevel, dirs)
	}
}

// DumpText writes the section header, in text format, to the writer.
func (s *SectionHeader) DumpText(w *bufio.Writer, prefix string) {
	dumpFields(w, prefix, []field{
		{"Name", s.Name[:], ""},
		{"Virtual Size", s.VirtualSize, ""},
		{"Virtual Address", s.VirtualAddress, ""},
		{"Size Of Raw Data", s.SizeOfRawData, ""},
		{"Pointer To Raw Data", s.PointerToRawData, ""},
		{"Pointer To Relocations", s.PointerToRelocations, ""},
		{"Pointer To Linenumbers", s.PointerToLinenumbers, ""},
		{"Number Of Relocations", s.NumberOfRelocations, ""},
		{"Number Of Linenumbers", s.NumberOfLinenumbers, ""},
		{"Characteristics", s.Characteristics, s.Characteristics.String()},
	})
}

// DumpText writes all headers, in text format, to the writer.
func (img *Image) DumpText(w *bufio.Writer, prefix string) {
	nprefix := prefix + indentLevel
	if !img.IsObject() {
		w.WriteString(prefix)
		w.WriteString("NT Header Offset: ")
		writeInt(w, img.Lfanew(), 4)
		w.WriteString("\n\n")
	}
	w.WriteString(prefix)
	w.WriteString("File Header:\n")
	img.FileHeader.DumpText(w, nprefix)
	w.WriteByte('\n')
	if img.FileHeader.SizeOfOptionalHeader != 0 {
		w.WriteString(prefix)
		w.WriteString("Optional Header:\n")
		img.OptionalHeader.DumpText(w, nprefix)
		w.WriteByte('\n')
	}
	for i := range img.Sections {
		w.WriteString(prefix)
		w.WriteString("Section ")
		w.WriteString(strconv.Itoa(i + 1))
		w.WriteString(":\n")
		img.Sections[i].DumpText(w, nprefix)
		w.WriteByte('\n')
	}
}
