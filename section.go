package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"moria.us/petool/imagefile"
	"moria.us/petool/pe"
)

func newAddCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <image> <name> <flags> <size>",
		Short: "Append a zero-filled section",
		Long: "Append a zero-filled section. Flags are letters from rwxciu: read, write,\n" +
			"execute, code, initialized data, uninitialized data.",
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			flags, err := pe.ParseSectionFlags(args[2])
			if err != nil {
				return err
			}
			size, err := parseUint32(args[3], "size")
			if err != nil {
				return err
			}
			return editSections(cmd.Context(), g, cmd.OutOrStdout(), args[0], func(img *pe.Image) (int, error) {
				if err := img.AddSection(name, flags, size); err != nil {
					return 0, wrapErrorSection(err, name)
				}
				return len(img.Sections) - 1, nil
			})
		},
	}
}

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <image> <name>",
		Short: "Remove a section and its data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			return editSections(cmd.Context(), g, cmd.OutOrStdout(), args[0], func(img *pe.Image) (int, error) {
				return -1, img.RemoveSection(name)
			})
		},
	}
}

func newEditCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <image> <name> <flags>",
		Short: "Replace the flags of a section",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			flags, err := pe.ParseSectionFlags(args[2])
			if err != nil {
				return err
			}
			return editSections(cmd.Context(), g, cmd.OutOrStdout(), args[0], func(img *pe.Image) (int, error) {
				return img.FindSection(name), img.SetCharacteristics(name, flags)
			})
		},
	}
}

func newSetvsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setvs <image> <section> <VirtualSize>",
		Short: "Set the virtual size of a section",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			size, err := parseUint32(args[2], "virtual size")
			if err != nil {
				return err
			}
			return editSections(cmd.Context(), g, cmd.OutOrStdout(), args[0], func(img *pe.Image) (int, error) {
				return img.FindSection(name), img.SetVirtualSize(name, size)
			})
		},
	}
}

func newSetddCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "setdd <image> <index> <VirtualAddress> <Size>",
		Short: "Set a data directory entry",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseUint32(args[1], "index")
			if err != nil {
				return err
			}
			va, err := parseUint32(args[2], "virtual address")
			if err != nil {
				return err
			}
			size, err := parseUint32(args[3], "size")
			if err != nil {
				return err
			}
			return editImage(cmd.Context(), g, args[0], func(img *pe.Image) error {
				return img.SetDataDirectory(int(index), pe.DataDirectory{VirtualAddress: va, Size: size})
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <image> [section]",
		Short: "Write the raw data of a section",
		Long: "Write the raw data of a section to standard output or a file. The section\n" +
			"defaults to $" + envExportSection + ", or .data.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := optionalArg(args, 1)
			if name == "" {
				name = defaultExportSection()
			}
			return viewImage(args[0], pe.Parse, func(img *pe.Image) error {
				data, err := img.SectionData(name)
				if err != nil {
					return err
				}
				if output != "" {
					return imagefile.WriteFile(output, data)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to `file` instead of standard output")
	return cmd
}

func newInjectCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inject <image> <section> <file>",
		Short: "Copy a file into the raw data of a section",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]
			data, err := imagefile.Read(args[2])
			if err != nil {
				return wrapError(err, args[2])
			}
			return editImage(cmd.Context(), g, args[0], func(img *pe.Image) error {
				if err := img.ReplaceSectionData(name, data); err != nil {
					return errors.Wrap(err, args[2])
				}
				return nil
			})
		},
	}
}
