package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/assert"
	"gotest.tools/assert/cmp"

	"moria.us/petool/patch"
	"moria.us/petool/pe"
	"moria.us/petool/pe/petest"
)

// run executes the command line args and returns what was written to
// standard output and standard error.
func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.exe")
	assert.NilError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(name)
	assert.NilError(t, err)
	return data
}

// patchedImage has .text at 0x401000 (file offset 0x400) and a .patch
// section holding the given records.
func patchedImage(t *testing.T, records ...patch.Record) string {
	t.Helper()
	return writeImage(t, petest.Build(
		petest.Text(0x1000),
		petest.Data(".patch", patch.Encode(records)),
	))
}

func TestWrapError(t *testing.T) {
	err := wrapError(wrapError(pe.ErrSectionNotFound, "inner"), "game.exe")
	assert.Error(t, err, "game.exe: inner: section not found")
	assert.Assert(t, wrapError(nil, "game.exe") == nil)
	assert.Error(t, wrapErrorSection(pe.ErrTruncated, ".text"), `section ".text": `+pe.ErrTruncated.Error())
}

func TestDump(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000), petest.BSS(0x800)))
	out, _, err := run(t, "dump", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, ".text"))
	assert.Assert(t, cmp.Contains(out, "401000"))
	assert.Assert(t, cmp.Contains(out, "r-xc--"))
	assert.Assert(t, cmp.Contains(out, "rw---u"))
	// File offsets and lengths are hex, like the virtual address.
	assert.Assert(t, cmp.Regexp(`\.text\s*│\s*400\s*│\s*1400\s*│\s*1000\s*│\s*401000`, out))

	out, _, err = run(t, "dump", "--headers", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "File Header:"))
	assert.Assert(t, cmp.Contains(out, "Section 1:"))

	out, _, err = run(t, "dump", "--raw", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "ImageBase: (uint32) 4194304"))
}

func TestDumpInvalid(t *testing.T) {
	path := writeImage(t, make([]byte, 1024))
	_, _, err := run(t, "dump", path)
	assert.ErrorContains(t, err, path+": "+pe.ErrNotDOSImage.Error())
}

func TestAddRemove(t *testing.T) {
	orig := petest.Build(petest.Text(0x1000), petest.Data(".data", []byte("data")))
	path := writeImage(t, orig)

	out, _, err := run(t, "add", path, ".new", "rwxc", "0x1000")
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, ".new"))
	assert.Assert(t, cmp.Contains(out, "*"))
	img, err := pe.Parse(readFile(t, path))
	assert.NilError(t, err)
	assert.Equal(t, len(img.Sections), 3)
	assert.Equal(t, img.Sections[2].Characteristics, pe.SectionRead|pe.SectionWrite|pe.SectionExecute|pe.SectionCode)

	_, _, err = run(t, "remove", path, ".new")
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))
}

func TestAddErrors(t *testing.T) {
	orig := petest.Build(petest.Text(0x1000))
	path := writeImage(t, orig)
	_, _, err := run(t, "add", path, ".new", "rwz", "0x1000")
	assert.ErrorContains(t, err, `invalid section flag 'z'`)
	_, _, err = run(t, "add", path, ".new", "rw", "size")
	assert.ErrorContains(t, err, `invalid size "size"`)
	_, _, err = run(t, "add", path, ".text", "rw", "0x1000")
	assert.ErrorContains(t, err, "already exists")
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))
}

func TestAddWriteFailure(t *testing.T) {
	orig := petest.Build(petest.Text(0x1000))
	path := writeImage(t, orig)
	// The backup cannot be written over a directory, so the edit fails
	// after the section is added in memory.
	assert.NilError(t, os.Mkdir(path+".bak", 0o755))
	out, _, err := run(t, "--backup", "add", path, ".new", "rw", "0x1000")
	assert.ErrorContains(t, err, "backup")
	assert.Equal(t, out, "")
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))
}

func TestEdit(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	out, _, err := run(t, "edit", path, ".text", "rwxc")
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "rwxc--"))
	_, _, err = run(t, "edit", path, ".data", "rw")
	assert.ErrorContains(t, err, `".data"`)
	assert.ErrorContains(t, err, pe.ErrSectionNotFound.Error())
}

func TestSetvs(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	_, _, err := run(t, "setvs", path, ".text", "0x1800")
	assert.NilError(t, err)
	img, err := pe.Parse(readFile(t, path))
	assert.NilError(t, err)
	assert.Equal(t, img.Sections[0].VirtualSize, uint32(0x1800))

	_, _, err = run(t, "setvs", path, ".text", "0x100")
	assert.ErrorContains(t, err, "invalid virtual size")
	_, _, err = run(t, "setvs", path, ".text", "0")
	assert.Assert(t, err != nil)
}

func TestSetdd(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	_, _, err := run(t, "setdd", path, "1", "0x1000", "0x28")
	assert.NilError(t, err)
	img, err := pe.Parse(readFile(t, path))
	assert.NilError(t, err)
	assert.Equal(t, img.OptionalHeader.DataDirectory[1], pe.DataDirectory{VirtualAddress: 0x1000, Size: 0x28})

	_, _, err = run(t, "setdd", path, "16", "0", "0")
	assert.ErrorContains(t, err, "out of range")
}

func TestPatch(t *testing.T) {
	path := patchedImage(t,
		patch.Record{Address: 0x401000, Data: []byte{0xcc, 0xcc, 0xcc, 0xcc}},
		patch.Jump(0x401010, 0x401800),
	)
	orig := readFile(t, path)
	_, stderr, err := run(t, "patch", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(stderr, "PATCH        4 bytes ->   401000"))
	assert.Assert(t, cmp.Contains(stderr, "PATCH        5 bytes ->   401010"))

	data := readFile(t, path)
	assert.DeepEqual(t, data[0x400:0x404], []byte{0xcc, 0xcc, 0xcc, 0xcc})
	assert.DeepEqual(t, data[0x410:0x415], []byte{0xe9, 0xeb, 0x07, 0x00, 0x00})
	assert.DeepEqual(t, data[0x415:], orig[0x415:])
	assert.DeepEqual(t, data[:0x400], orig[:0x400])
}

func TestPatchDryRun(t *testing.T) {
	path := patchedImage(t, patch.Jump(0x401000, 0x401010))
	orig := readFile(t, path)
	_, stderr, err := run(t, "patch", "--dry-run", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(stderr, "CHECK"))
	assert.Assert(t, cmp.Contains(stderr, "jmp"))
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))
}

func TestPatchFailure(t *testing.T) {
	path := patchedImage(t,
		patch.Record{Address: 0x401000, Data: []byte{0xc3}},
		patch.Record{Address: 0x409000, Data: []byte{0xc3}},
	)
	orig := readFile(t, path)
	_, _, err := run(t, "patch", path)
	assert.ErrorContains(t, err, "patch 1 at 0x00409000: memory address 0x00409000 not found in image")
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))
}

func TestPatchSection(t *testing.T) {
	path := writeImage(t, petest.Build(
		petest.Text(0x1000),
		petest.Data(".hooks", patch.Encode([]patch.Record{{Address: 0x401000, Data: []byte{0xc3}}})),
	))
	_, _, err := run(t, "patch", path)
	assert.ErrorContains(t, err, pe.ErrSectionNotFound.Error())

	_, _, err = run(t, "patch", path, ".hooks")
	assert.NilError(t, err)
	assert.Equal(t, readFile(t, path)[0x400], byte(0xc3))

	t.Setenv(envPatchSection, ".hooks")
	_, _, err = run(t, "patch", path)
	assert.NilError(t, err)
}

func TestPatchBackup(t *testing.T) {
	path := patchedImage(t, patch.Record{Address: 0x401000, Data: []byte{0xc3}})
	orig := readFile(t, path)
	_, _, err := run(t, "--backup", "patch", path)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(readFile(t, path+".bak"), orig))
	assert.Equal(t, readFile(t, path)[0x400], byte(0xc3))
}

func TestHook(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	hooks := filepath.Join(t.TempDir(), "game.hooks")
	assert.NilError(t, os.WriteFile(hooks, []byte{
		patch.HookJump, 0x00, 0x10, 0x40, 0x00, 0x10, 0x10, 0x40, 0x00,
		patch.HookFill, 0x02, 0x10, 0x40, 0x00, 0xcc, 0x02, 0x00, 0x00, 0x00,
	}, 0o644))
	_, _, err := run(t, "hook", hooks, path)
	assert.NilError(t, err)
	assert.DeepEqual(t, readFile(t, path)[0x400:0x405], []byte{0xeb, 0x0e, 0xcc, 0xcc, 0x90})

	assert.NilError(t, os.WriteFile(hooks, []byte{0x05}, 0o644))
	_, _, err = run(t, "hook", hooks, path)
	assert.ErrorContains(t, err, "unknown command 5")
}

func TestWrite(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	bin := filepath.Join(t.TempDir(), "code.bin")
	assert.NilError(t, os.WriteFile(bin, []byte{1, 2, 3}, 0o644))
	_, _, err := run(t, "write", path, "0x401ffd", bin)
	assert.NilError(t, err)
	assert.DeepEqual(t, readFile(t, path)[0x13fd:0x1400], []byte{1, 2, 3})

	_, _, err = run(t, "write", path, "0x401ffe", bin)
	assert.ErrorContains(t, err, "does not fit")
}

func TestGenpatch(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "patch.s")
	assert.NilError(t, os.WriteFile(src, []byte(
		"@hook 0x401000 new_entry\n@setd 0x402000 7\nnew_entry:\n    ret\n"), 0o644))
	syms := filepath.Join(dir, "patch.sym")
	assert.NilError(t, os.WriteFile(syms, []byte("new_entry = 0x401010;\n"), 0o644))
	out := filepath.Join(dir, "patch.bin")

	_, _, err := run(t, "genpatch", src, out, "--symbols", syms)
	assert.NilError(t, err)
	records, err := patch.Decode(readFile(t, out))
	assert.NilError(t, err)
	assert.DeepEqual(t, records, []patch.Record{
		{Address: 0x401000, Data: []byte{0xeb, 0x0e}},
		{Address: 0x402000, Data: []byte{7, 0, 0, 0}},
	})

	_, _, err = run(t, "genpatch", src, out)
	assert.ErrorContains(t, err, `unresolved symbol "new_entry"`)
}

func TestGenlds(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000), petest.BSS(0x800)))
	out, _, err := run(t, "genlds", path)
	assert.NilError(t, err)
	assert.Equal(t, out, "/* GNU ld linker script for "+path+" */\n"+
		"start = 0x401000;\n"+
		"ENTRY(start);\n"+
		"SECTIONS\n"+
		"{\n"+
		"    .text           0x401000   : { *(.text) }\n"+
		"    .bss            0x402000   : { *(.bss) }\n"+
		"}\n")
}

func TestGenmak(t *testing.T) {
	out, _, err := run(t, "genmak", "dir/game.exe")
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "INPUT       = dir/game.exe\n"))
	assert.Assert(t, cmp.Contains(out, "OUTPUT      = gamep.exe\n"))
	assert.Assert(t, cmp.Contains(out, "LDS         = gamep.lds\n"))
	assert.Assert(t, cmp.Contains(out, "\t$(PETOOL) re2obj $(INPUT) $@\n"))

	ofile := filepath.Join(t.TempDir(), "Makefile")
	assert.NilError(t, os.WriteFile(ofile, []byte("keep"), 0o644))
	_, _, err = run(t, "genmak", "game.exe", ofile)
	assert.ErrorContains(t, err, "already exists")
	assert.Equal(t, string(readFile(t, ofile)), "keep")
}

func TestGenprj(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000)))
	dir := filepath.Join(t.TempDir(), "gamep")
	out, _, err := run(t, "genprj", path, dir)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "Output directory: "+dir))
	assert.Assert(t, bytes.Equal(readFile(t, filepath.Join(dir, "game.exe")), readFile(t, path)))
	lds := string(readFile(t, filepath.Join(dir, "gamep.lds")))
	assert.Assert(t, strings.HasPrefix(lds, "/* GNU ld linker script for game.exe */\n"))
	mak := string(readFile(t, filepath.Join(dir, "Makefile")))
	assert.Assert(t, cmp.Contains(mak, "INPUT       = game.exe\n"))

	_, _, err = run(t, "genprj", path, dir)
	assert.ErrorContains(t, err, "create output directory")
}

func TestImport(t *testing.T) {
	vas := petest.VirtualAddresses(petest.Text(0x1000), petest.Section{})
	idata := petest.Data(".idata", petest.Imports(vas[1], "KERNEL32.dll"))
	image := petest.Build(petest.Text(0x1000), idata)
	petest.SetDataDirectory(image, pe.DirImport, vas[1], 40)
	path := writeImage(t, image)

	out, _, err := run(t, "import", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, ".equ ImageBase, 0x400000\n\n.section .idata\n\n/* KERNEL32.dll */\n"))
	assert.Assert(t, cmp.Contains(out, ".long 0x202C     /* Name */\n"))
	assert.Assert(t, cmp.Contains(out, "/* END */\n.long 0x0        /* OriginalFirstThunk */\n"))

	out, _, err = run(t, "import", path, "nasm")
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(out, "ImageBase equ 0x400000\n\nsection .idata\n\n; KERNEL32.dll\n"))
	assert.Assert(t, cmp.Contains(out, "; END\ndd 0x0        ; OriginalFirstThunk\n"))
}

func TestPe2obj(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000), petest.BSS(0x800)))
	ofile := filepath.Join(t.TempDir(), "game.o")
	_, _, err := run(t, "pe2obj", path, ofile)
	assert.NilError(t, err)
	obj, err := pe.ParseAny(readFile(t, ofile))
	assert.NilError(t, err)
	assert.Assert(t, obj.IsObject())
	assert.Equal(t, obj.Sections[0].PointerToRawData, uint32(0x400-petest.Lfanew-4))
	assert.Equal(t, obj.Sections[1].PointerToRawData, uint32(0))

	_, _, err = run(t, "pe2obj", path, ofile)
	assert.ErrorContains(t, err, "already exists")
}

func TestRe2obj(t *testing.T) {
	vas := petest.VirtualAddresses(petest.Text(0x1000), petest.Section{})
	rsrc, _ := petest.Resources(vas[1], 3)
	path := writeImage(t, petest.Build(petest.Text(0x1000), petest.Data(".rsrc", rsrc)))
	orig := readFile(t, path)

	out, _, err := run(t, "re2obj", path)
	assert.NilError(t, err)
	obj, err := pe.ParseAny([]byte(out))
	assert.NilError(t, err)
	assert.Equal(t, obj.Sections[0].NameString(), ".rsrc")
	assert.Equal(t, obj.Sections[0].NumberOfRelocations, uint16(3))
	assert.Assert(t, bytes.Equal(readFile(t, path), orig))

	_, _, err = run(t, "re2obj", writeImage(t, petest.Build(petest.Text(0x1000))))
	assert.ErrorContains(t, err, `".rsrc"`)
}

func TestExportInject(t *testing.T) {
	path := writeImage(t, petest.Build(petest.Text(0x1000), petest.Data(".data", []byte("hello"))))
	out, _, err := run(t, "export", path)
	assert.NilError(t, err)
	assert.Equal(t, len(out), 0x200)
	assert.Assert(t, strings.HasPrefix(out, "hello\x00"))

	bin := filepath.Join(t.TempDir(), "data.bin")
	assert.NilError(t, os.WriteFile(bin, []byte("HOWDY"), 0o644))
	_, _, err = run(t, "inject", path, ".data", bin)
	assert.NilError(t, err)

	exported := filepath.Join(t.TempDir(), "data.out")
	_, _, err = run(t, "export", path, ".data", "-o", exported)
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(string(readFile(t, exported)), "HOWDY\x00"))

	t.Setenv(envExportSection, ".text")
	out, _, err = run(t, "export", path)
	assert.NilError(t, err)
	assert.Equal(t, out[0], byte(0x90))

	assert.NilError(t, os.WriteFile(bin, make([]byte, 0x201), 0o644))
	_, _, err = run(t, "inject", path, ".data", bin)
	assert.ErrorContains(t, err, "do not fit")
}

func TestLogFormat(t *testing.T) {
	path := patchedImage(t, patch.Record{Address: 0x401000, Data: []byte{0xc3}})
	_, stderr, err := run(t, "--log-format", "json", "patch", path)
	assert.NilError(t, err)
	assert.Assert(t, cmp.Contains(stderr, `"address":"0x00401000"`))

	_, _, err = run(t, "--log-format", "xml", "dump", path)
	assert.ErrorContains(t, err, `invalid log format "xml"`)
}
