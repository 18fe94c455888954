package patch_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/assert"
	"gotest.tools/assert/cmp"

	"moria.us/petool/patch"
	"moria.us/petool/pe"
	"moria.us/petool/pe/petest"
)

// testImage has .text covering 0x401000-0x403000 at file offset 0x400, and
// .data covering 0x403000-0x403200 at 0x2400.
func testImage(t *testing.T) *pe.Image {
	t.Helper()
	img, err := pe.Parse(petest.Build(
		petest.Text(0x2000),
		petest.Data(".data", make([]byte, 0x10)),
		petest.BSS(0x1000),
	))
	assert.NilError(t, err)
	return img
}

func quietLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetOutput(io.Discard)
	return log, hook
}

func TestApplyAll(t *testing.T) {
	img := testImage(t)
	orig := append([]byte(nil), img.Data...)
	log, hook := quietLogger()
	a := patch.Applicator{Logger: log}
	n, err := a.ApplyAll(img, []patch.Record{
		{Address: 0x402000, Data: []byte{0xcc, 0xcc, 0xcc, 0xcc}},
		{Address: 0},
		{Address: 0x401000, Data: []byte{0xcc}},
	})
	assert.NilError(t, err)
	assert.Equal(t, n, 1)

	// Exactly four bytes changed, at the translated offset.
	var diff []int
	for i := range orig {
		if orig[i] != img.Data[i] {
			diff = append(diff, i)
		}
	}
	assert.DeepEqual(t, diff, []int{0x1400, 0x1401, 0x1402, 0x1403})
	assert.DeepEqual(t, img.Data[0x1400:0x1404], []byte{0xcc, 0xcc, 0xcc, 0xcc})

	assert.Assert(t, cmp.Len(hook.AllEntries(), 1))
	e := hook.LastEntry()
	assert.Equal(t, e.Level, logrus.InfoLevel)
	assert.Equal(t, e.Message, "PATCH        4 bytes ->   402000")
	assert.Equal(t, e.Data["address"], "0x00402000")
}

func TestApplyAllStopsAtFailure(t *testing.T) {
	img := testImage(t)
	log, _ := quietLogger()
	a := patch.Applicator{Logger: log}
	n, err := a.ApplyAll(img, []patch.Record{
		{Address: 0x401000, Data: []byte{0xc3}},
		{Address: 0x404000, Data: []byte{0xc3}},
		{Address: 0x401001, Data: []byte{0xc3}},
	})
	assert.Equal(t, n, 1)
	var rerr *patch.RecordError
	assert.Assert(t, errors.As(err, &rerr))
	assert.Equal(t, rerr.Index, 1)
	var nf *patch.AddressNotFoundError
	assert.Assert(t, errors.As(err, &nf))
	assert.Equal(t, nf.Address, uint32(0x404000))
	assert.ErrorContains(t, err, "patch 1 at 0x00404000: memory address 0x00404000 not found in image")

	assert.Equal(t, img.Data[0x400], byte(0xc3))
	assert.Equal(t, img.Data[0x401], byte(0x90))
}

func TestApplyDryRun(t *testing.T) {
	img := testImage(t)
	orig := append([]byte(nil), img.Data...)
	log, hook := quietLogger()
	a := patch.Applicator{Logger: log, DryRun: true}
	n, err := a.ApplyAll(img, []patch.Record{patch.Jump(0x401000, 0x401010)})
	assert.NilError(t, err)
	assert.Equal(t, n, 1)
	assert.Assert(t, bytes.Equal(img.Data, orig))
	entries := hook.AllEntries()
	assert.Assert(t, cmp.Len(entries, 2))
	assert.Assert(t, cmp.Contains(entries[0].Message, "CHECK"))
	assert.Assert(t, cmp.Contains(entries[1].Message, "jmp"))
}

func TestApplyErrors(t *testing.T) {
	img := testImage(t)
	orig := append([]byte(nil), img.Data...)

	// Covered by .bss virtual size only.
	err := patch.Apply(img, 0x404000, []byte{1})
	var nf *patch.AddressNotFoundError
	assert.Assert(t, errors.As(err, &nf), "got %v", err)

	// Past the end of the .text raw data.
	err = patch.Apply(img, 0x402ffe, []byte{1, 2, 3})
	var small *patch.SectionTooSmallError
	assert.Assert(t, errors.As(err, &small), "got %v", err)
	assert.Equal(t, *small, patch.SectionTooSmallError{
		Address:   0x402ffe,
		Length:    3,
		Section:   ".text",
		Available: 2,
	})
	assert.Assert(t, bytes.Equal(img.Data, orig))

	// Exactly fits.
	assert.NilError(t, patch.Apply(img, 0x402ffe, []byte{1, 2}))
	assert.DeepEqual(t, img.Data[0x23fe:0x2400], []byte{1, 2})
}

func TestApplyFill(t *testing.T) {
	img := testImage(t)
	orig := append([]byte(nil), img.Data...)
	log, _ := quietLogger()
	a := patch.Applicator{Logger: log}

	_, err := a.ApplyAll(img, []patch.Record{{Address: 0x401000, Data: []byte{0xcc}, Repeat: 0xf0000000}})
	var small *patch.SectionTooSmallError
	assert.Assert(t, errors.As(err, &small), "got %v", err)
	assert.Equal(t, small.Length, uint32(0xf0000000))
	assert.Assert(t, bytes.Equal(img.Data, orig))

	n, err := a.ApplyAll(img, []patch.Record{{Address: 0x401002, Data: []byte{0xcc}, Repeat: 3}})
	assert.NilError(t, err)
	assert.Equal(t, n, 1)
	assert.DeepEqual(t, img.Data[0x400:0x406], []byte{0x90, 0x90, 0xcc, 0xcc, 0xcc, 0x90})
}

func TestJump(t *testing.T) {
	cases := []struct {
		name     string
		from, to uint32
		want     []byte
	}{
		{"ShortForward", 0x401000, 0x401010, []byte{0xeb, 0x0e}},
		{"ShortSelf", 0x401000, 0x401000, []byte{0xeb, 0xfe}},
		{"ShortBackward", 0x401050, 0x401000, []byte{0xeb, 0xae}},
		{"ShortLimit", 0x401000, 0x40107f, []byte{0xeb, 0x7d}},
		{"NearForward", 0x401000, 0x405000, []byte{0xe9, 0xfb, 0x3f, 0x00, 0x00}},
		{"NearBackward", 0x405000, 0x401000, []byte{0xe9, 0xfb, 0xbf, 0xff, 0xff}},
		{"NearAt128", 0x401000, 0x401080, []byte{0xe9, 0x7b, 0x00, 0x00, 0x00}},
	}
	for _, c := range cases {
		r := patch.Jump(c.from, c.to)
		assert.Equal(t, r.Address, c.from, c.name)
		assert.DeepEqual(t, r.Data, c.want)
	}
}

func TestJumpShortBackwardRange(t *testing.T) {
	// A distance of -127 is less than 128 but its displacement does not fit
	// in a signed byte.
	r := patch.Jump(0x401100, 0x401100-127)
	assert.Equal(t, len(r.Data), 5)
	r = patch.Jump(0x401100, 0x401100-126)
	assert.DeepEqual(t, r.Data, []byte{0xeb, 0x80})
}

func TestCall(t *testing.T) {
	r := patch.Call(0x401000, 0x401010)
	assert.DeepEqual(t, r.Data, []byte{0xe8, 0x0b, 0x00, 0x00, 0x00})
	r = patch.Call(0x401010, 0x401000)
	assert.DeepEqual(t, r.Data, []byte{0xe8, 0xeb, 0xff, 0xff, 0xff})
}

func TestFill(t *testing.T) {
	r, err := patch.Fill(0x401000, 0x401004, 0x90)
	assert.NilError(t, err)
	assert.DeepEqual(t, r, patch.Record{Address: 0x401000, Data: []byte{0x90, 0x90, 0x90, 0x90}})
	r, err = patch.Fill(0x401000, 0x401000, 0x90)
	assert.NilError(t, err)
	assert.Equal(t, len(r.Data), 0)
	_, err = patch.Fill(0x401004, 0x401000, 0x90)
	assert.ErrorContains(t, err, "before start")
}

func TestDisassemble(t *testing.T) {
	lines := patch.Disassemble(patch.Jump(0x401000, 0x401010).Data, 0x401000)
	assert.Assert(t, cmp.Len(lines, 1))
	assert.Assert(t, cmp.Contains(lines[0], "00401000  EB 0E"))
	assert.Assert(t, cmp.Contains(lines[0], "jmp"))
	assert.Assert(t, cmp.Contains(lines[0], "0x401010"))

	lines = patch.Disassemble([]byte{0x90, 0x90, 0xc3}, 0x401000)
	assert.Assert(t, cmp.Len(lines, 3))
	assert.Assert(t, cmp.Contains(lines[2], "00401002  C3"))
}
