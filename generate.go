package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"moria.us/petool/imagefile"
	"moria.us/petool/pe"
)

// baseName returns the file name of path without its extension.
func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func genlds(w io.Writer, name string, img *pe.Image) {
	oh := &img.OptionalHeader
	fmt.Fprintf(w, "/* GNU ld linker script for %s */\n", name)
	fmt.Fprintf(w, "start = 0x%X;\n", oh.ImageBase+oh.AddressOfEntryPoint)
	fmt.Fprintf(w, "ENTRY(start);\n")
	fmt.Fprintf(w, "SECTIONS\n")
	fmt.Fprintf(w, "{\n")
	for i := range img.Sections {
		s := &img.Sections[i]
		sname := s.NameString()
		fmt.Fprintf(w, "    %-15s 0x%-8X : { *(%s) }\n", sname, s.VirtualAddress+oh.ImageBase, sname)
	}
	fmt.Fprintf(w, "}\n")
}

func genmak(w io.Writer, input string) {
	base := baseName(input)
	fmt.Fprintf(w, "-include config.mk\n\n")
	fmt.Fprintf(w, "INPUT       = %s\n", input)
	fmt.Fprintf(w, "OUTPUT      = %sp.exe\n", base)
	fmt.Fprintf(w, "LDS         = %sp.lds\n", base)
	fmt.Fprintf(w, "LDFLAGS     = --subsystem=windows\n\n")
	fmt.Fprintf(w, "OBJS        = rsrc.o\n\n")
	fmt.Fprintf(w, "PETOOL     ?= petool\n")
	fmt.Fprintf(w, "STRIP      ?= strip\n\n")
	fmt.Fprintf(w, "all: $(OUTPUT)\n\n")
	fmt.Fprintf(w, "rsrc.o: $(INPUT)\n")
	fmt.Fprintf(w, "\t$(PETOOL) re2obj $(INPUT) $@\n\n")
	fmt.Fprintf(w, "$(OUTPUT): $(LDS) $(INPUT) $(OBJS)\n")
	fmt.Fprintf(w, "\t$(LD) $(LDFLAGS) -T $(LDS) -o $@ $(INPUT) $(OBJS)\n")
	fmt.Fprintf(w, "\t$(PETOOL) patch $@ || ($(RM) $@ && exit 1)\n")
	fmt.Fprintf(w, "\t$(STRIP) -R .patch $@ || ($(RM) $@ && exit 1)\n")
	fmt.Fprintf(w, "\t$(PETOOL) dump $@\n\n")
	fmt.Fprintf(w, "clean:\n")
	fmt.Fprintf(w, "\t$(RM) $(OUTPUT) $(OBJS)\n")
}

func newGenldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genlds <image> [ofile]",
		Short: "Generate a GNU ld linker script reproducing an image's layout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out bytes.Buffer
			err := viewImage(args[0], pe.Parse, func(img *pe.Image) error {
				genlds(&out, args[0], img)
				return nil
			})
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), optionalArg(args, 1), out.Bytes())
		},
	}
}

func newGenmakCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genmak <image> [ofile]",
		Short: "Generate a Makefile for relinking an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out bytes.Buffer
			genmak(&out, args[0])
			return writeOutput(cmd.OutOrStdout(), optionalArg(args, 1), out.Bytes())
		},
	}
}

func newGenprjCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genprj <image> [directory]",
		Short: "Create a project directory for relinking an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			dir := optionalArg(args, 1)
			if dir == "" {
				dir = baseName(input) + "p"
			}
			return genprj(cmd.OutOrStdout(), input, dir)
		},
	}
}

func genprj(w io.Writer, input, dir string) error {
	if !imagefile.Exists(input) {
		return wrapError(errors.New("input file missing"), input)
	}
	fmt.Fprintf(w, "Input file      : %s\n", input)
	fmt.Fprintf(w, "Output directory: %s\n", dir)
	if err := os.Mkdir(dir, 0o777); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	name := filepath.Base(input)
	image := filepath.Join(dir, name)
	fmt.Fprintf(w, "Copying %s -> %s...\n", input, image)
	if err := imagefile.Copy(input, image); err != nil {
		return wrapError(err, image)
	}

	var lds bytes.Buffer
	err := viewImage(image, pe.Parse, func(img *pe.Image) error {
		genlds(&lds, name, img)
		return nil
	})
	if err != nil {
		return err
	}
	ldsName := filepath.Join(dir, baseName(input)+"p.lds")
	fmt.Fprintf(w, "Generating %s...\n", ldsName)
	if err := imagefile.Create(ldsName, lds.Bytes()); err != nil {
		return err
	}

	var mak bytes.Buffer
	genmak(&mak, name)
	makName := filepath.Join(dir, "Makefile")
	fmt.Fprintf(w, "Generating %s...\n", makName)
	return imagefile.Create(makName, mak.Bytes())
}

func writeImports(w io.Writer, name string, img *pe.Image, imports []pe.ImportDescriptor, nasm bool) {
	var entry, field string
	if nasm {
		fmt.Fprintf(w, "; Imports for %s\n", name)
		fmt.Fprintf(w, "ImageBase equ 0x%X\n\n", img.OptionalHeader.ImageBase)
		fmt.Fprintf(w, "section .idata\n\n")
		entry = "; %s\n"
		field = "dd 0x%-8X ; %s\n"
	} else {
		fmt.Fprintf(w, "/* Imports for %s */\n", name)
		fmt.Fprintf(w, ".equ ImageBase, 0x%X\n\n", img.OptionalHeader.ImageBase)
		fmt.Fprintf(w, ".section .idata\n\n")
		entry = "/* %s */\n"
		field = ".long 0x%-8X /* %s */\n"
	}
	for _, d := range imports {
		dll := d.DLL
		if d.Name == 0 {
			dll = "END"
		}
		fmt.Fprintf(w, entry, dll)
		fmt.Fprintf(w, field, d.OriginalFirstThunk, "OriginalFirstThunk")
		fmt.Fprintf(w, field, d.TimeDateStamp, "TimeDateStamp")
		fmt.Fprintf(w, field, d.ForwarderChain, "ForwarderChain")
		fmt.Fprintf(w, field, d.Name, "Name")
		fmt.Fprintf(w, field, d.FirstThunk, "FirstThunk")
		fmt.Fprintf(w, "\n")
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <image> [nasm]",
		Short: "Print the import descriptor table as assembler source",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nasm := strings.HasPrefix(strings.ToUpper(optionalArg(args, 1)), "N")
			return viewImage(args[0], pe.ParseAny, func(img *pe.Image) error {
				imports, err := img.Imports()
				if err != nil {
					return err
				}
				bw := &bytes.Buffer{}
				writeImports(bw, args[0], img, imports, nasm)
				_, err = cmd.OutOrStdout().Write(bw.Bytes())
				return err
			})
		},
	}
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
