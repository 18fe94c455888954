package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "petool",
		Short:         "Inspect and modify PE executables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g := setGlobalFlags(root.PersistentFlags())
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return setupLogging(g, cmd.ErrOrStderr())
	}

	root.AddCommand(
		newDumpCmd(),
		newGenldsCmd(),
		newGenmakCmd(),
		newGenprjCmd(),
		newImportCmd(),
		newPe2objCmd(),
		newRe2objCmd(),
		newExportCmd(),
		newInjectCmd(g),
		newAddCmd(g),
		newRemoveCmd(g),
		newEditCmd(g),
		newSetvsCmd(g),
		newSetddCmd(g),
		newPatchCmd(g),
		newHookCmd(g),
		newWriteCmd(g),
		newGenpatchCmd(),
	)
	return root
}

func mainE(args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func main() {
	if err := mainE(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
