package main

import (
	"bufio"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"moria.us/petool/pe"
)

func newDumpCmd() *cobra.Command {
	var headers, raw bool
	cmd := &cobra.Command{
		Use:   "dump <image>",
		Short: "Print the section table of an image or object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return viewImage(args[0], pe.ParseAny, func(img *pe.Image) error {
				w := cmd.OutOrStdout()
				switch {
				case raw:
					cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true}
					cfg.Fdump(w, img.FileHeader, img.OptionalHeader, img.Sections)
				case headers:
					bw := bufio.NewWriter(w)
					img.DumpText(bw, "")
					return bw.Flush()
				default:
					writeSectionTable(w, img, -1)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&headers, "headers", false, "Print every header field")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the decoded header structures")
	return cmd
}
