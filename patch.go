package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"moria.us/petool/annotate"
	"moria.us/petool/imagefile"
	"moria.us/petool/patch"
	"moria.us/petool/pe"
)

// patchData returns the patch set stored in a section. Its length is the
// section's virtual size, limited to the raw data.
func patchData(img *pe.Image, name string) ([]byte, error) {
	s, err := img.Section(name)
	if err != nil {
		return nil, err
	}
	data, err := img.SectionData(name)
	if err != nil {
		return nil, err
	}
	if n := s.VirtualSize; n != 0 && n < uint32(len(data)) {
		data = data[:n]
	}
	return data, nil
}

// applyRecords applies a batch of records and logs a summary.
func applyRecords(img *pe.Image, records []patch.Record, dryRun bool) error {
	a := patch.Applicator{Logger: logrus.StandardLogger(), DryRun: dryRun}
	n, err := a.ApplyAll(img, records)
	if err != nil {
		return err
	}
	logrus.WithField("count", n).Debug("applied patches")
	return nil
}

func newPatchCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "patch <image> [section]",
		Short: "Apply the patch set stored in a section of an image",
		Long: "Apply the patch set stored in a section of an image. The section defaults\n" +
			"to $" + envPatchSection + ", or .patch. If any patch fails, the image is not\n" +
			"modified.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := optionalArg(args, 1)
			if name == "" {
				name = defaultPatchSection()
			}
			run := func(img *pe.Image) error {
				data, err := patchData(img, name)
				if err != nil {
					return err
				}
				records, err := patch.Decode(data)
				if err != nil {
					return wrapErrorSection(err, name)
				}
				return applyRecords(img, records, dryRun)
			}
			if dryRun {
				// Nothing is written, so the image can be inspected in a
				// private copy.
				data, err := imagefile.Read(args[0])
				if err != nil {
					return wrapError(err, args[0])
				}
				img, err := pe.Parse(data)
				if err != nil {
					return wrapError(err, args[0])
				}
				return wrapError(run(img), args[0])
			}
			return editImage(cmd.Context(), g, args[0], run)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Check and disassemble the patches without writing them")
	return cmd
}

func newHookCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <hooks> <image>",
		Short: "Apply a binary hook file to an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := imagefile.Read(args[0])
			if err != nil {
				return wrapError(err, args[0])
			}
			records, err := patch.DecodeHooks(data)
			if err != nil {
				return wrapError(err, args[0])
			}
			return editImage(cmd.Context(), g, args[1], func(img *pe.Image) error {
				return applyRecords(img, records, false)
			})
		},
	}
}

func newWriteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "write <image> <address> <file>",
		Short: "Copy a file into an image at a virtual address",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseUint32(args[1], "address")
			if err != nil {
				return err
			}
			data, err := imagefile.Read(args[2])
			if err != nil {
				return wrapError(err, args[2])
			}
			return editImage(cmd.Context(), g, args[0], func(img *pe.Image) error {
				a := patch.Applicator{Logger: logrus.StandardLogger()}
				return a.Apply(img, patch.Record{Address: addr, Data: data})
			})
		},
	}
}

func newGenpatchCmd() *cobra.Command {
	var symbolsFile string
	cmd := &cobra.Command{
		Use:   "genpatch <source> <ofile>",
		Short: "Compile @ annotations in assembly source into a patch set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open")
			}
			defer src.Close()
			anns, err := annotate.Parse(src)
			if err != nil {
				return wrapError(err, args[0])
			}
			if symbolsFile != "" {
				f, err := os.Open(symbolsFile)
				if err != nil {
					return errors.Wrap(err, "open")
				}
				defer f.Close()
				symbols, err := annotate.ParseSymbols(f)
				if err != nil {
					return wrapError(err, symbolsFile)
				}
				n := annotate.Substitute(anns, symbols)
				logrus.WithField("count", n).Debug("substituted symbols")
			}
			records, err := annotate.Compile(anns)
			if err != nil {
				return wrapError(err, args[0])
			}
			for i := range records {
				r := &records[i]
				logrus.Debugf("%s: %d bytes at 0x%08X", args[0], r.Len(), r.Address)
				for _, line := range patch.Disassemble(r.Bytes(), r.Address) {
					logrus.Debug(line)
				}
			}
			if err := imagefile.WriteFile(args[1], patch.Encode(records)); err != nil {
				return wrapError(err, args[1])
			}
			logrus.Infof("Wrote %d patches to %s", len(records), args[1])
			return nil
		},
	}
	cmd.Flags().StringVarP(&symbolsFile, "symbols", "s", "", "Read symbol addresses from `file`")
	return cmd
}
