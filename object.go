package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"moria.us/petool/imagefile"
	"moria.us/petool/pe"
)

func newPe2objCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pe2obj <image> <ofile>",
		Short: "Convert an image into a COFF object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var obj []byte
			err := viewImage(args[0], pe.Parse, func(img *pe.Image) error {
				var err error
				obj, err = pe.ToObject(img)
				return err
			})
			if err != nil {
				return err
			}
			if err := imagefile.Create(args[1], obj); err != nil {
				return err
			}
			logrus.Infof("Wrote object to %s", args[1])
			return nil
		},
	}
}

func newRe2objCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "re2obj <image> [ofile]",
		Short: "Extract the resource section into a COFF object",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// The resource tree is rebased in place, so work on a copy.
			data, err := imagefile.Read(args[0])
			if err != nil {
				return wrapError(err, args[0])
			}
			img, err := pe.ParseAny(data)
			if err != nil {
				return wrapError(err, args[0])
			}
			obj, err := pe.ResourceObject(img)
			if err != nil {
				return wrapError(err, args[0])
			}
			var out bytes.Buffer
			if _, err := obj.WriteTo(&out); err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), optionalArg(args, 1), out.Bytes())
		},
	}
}
