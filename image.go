package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pkg/errors"

	"moria.us/petool/imagefile"
	"moria.us/petool/pe"
)

// viewImage maps an image read-only and passes it to fn. The image must not
// be modified or retained after fn returns.
func viewImage(name string, parse func([]byte) (*pe.Image, error), fn func(img *pe.Image) error) error {
	m, err := imagefile.Map(name)
	if err != nil {
		return wrapError(err, name)
	}
	defer m.Close()
	img, err := parse(m.Bytes())
	if err != nil {
		return wrapError(err, name)
	}
	return wrapError(fn(img), name)
}

// editImage rewrites an image in place through fn. The file is unchanged if
// fn fails.
func editImage(ctx context.Context, g *globalFlags, name string, fn func(img *pe.Image) error) error {
	err := imagefile.Edit(ctx, name, imagefile.Options{Backup: g.Backup}, func(data []byte) ([]byte, error) {
		img, err := pe.Parse(data)
		if err != nil {
			return nil, err
		}
		if err := fn(img); err != nil {
			return nil, err
		}
		return img.Data, nil
	})
	return wrapError(err, name)
}

// editSections edits an image like editImage, then prints its section table.
// fn returns the index of the section to mark, or -1. The table is printed
// only after the image has been written.
func editSections(ctx context.Context, g *globalFlags, w io.Writer, name string, fn func(img *pe.Image) (int, error)) error {
	var tbl bytes.Buffer
	err := editImage(ctx, g, name, func(img *pe.Image) error {
		mark, err := fn(img)
		if err != nil {
			return err
		}
		writeSectionTable(&tbl, img, mark)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = w.Write(tbl.Bytes())
	return err
}

// writeOutput writes generated data to a new file, or to w if name is empty.
func writeOutput(w io.Writer, name string, data []byte) error {
	if name == "" {
		_, err := w.Write(data)
		return err
	}
	return imagefile.Create(name, data)
}

func parseUint32(s, what string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", what, s)
	}
	return uint32(v), nil
}

// writeSectionTable prints the section table of an image. The section at
// index mark, if any, is flagged.
func writeSectionTable(w io.Writer, img *pe.Image, mark int) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"", "Section", "Start", "End", "Length", "VAddr", "Flags"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Start", Align: text.AlignRight},
		{Name: "End", Align: text.AlignRight},
		{Name: "Length", Align: text.AlignRight},
		{Name: "VAddr", Align: text.AlignRight},
	})
	base := img.OptionalHeader.ImageBase
	for i := range img.Sections {
		s := &img.Sections[i]
		length := s.SizeOfRawData
		if length == 0 {
			length = s.VirtualSize
		}
		var m string
		if i == mark {
			m = "*"
		}
		t.AppendRow(table.Row{
			m,
			s.NameString(),
			fmt.Sprintf("%X", s.PointerToRawData),
			fmt.Sprintf("%X", s.PointerToRawData+s.SizeOfRawData),
			fmt.Sprintf("%X", length),
			fmt.Sprintf("%X", s.VirtualAddress+base),
			s.Characteristics.String(),
		})
	}
	t.Render()
}
