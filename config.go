package main

import (
	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"
)

// Environment variables supplying flag defaults.
const (
	envDebug         = "PETOOL_DEBUG"
	envLogFormat     = "PETOOL_LOG_FORMAT"
	envBackup        = "PETOOL_BACKUP"
	envPatchSection  = "PETOOL_PATCH_SECTION"
	envExportSection = "PETOOL_EXPORT_SECTION"
)

// globalFlags holds the flags shared by every command.
type globalFlags struct {
	Debug     bool
	LogFormat string
	Backup    bool
}

func setGlobalFlags(flags *pflag.FlagSet) *globalFlags {
	g := &globalFlags{}
	flags.BoolVar(&g.Debug, "debug", env.Bool(envDebug),
		"Log debugging output, including disassembly of patches. Defaults to $"+envDebug)
	flags.StringVar(&g.LogFormat, "log-format", env.Str(envLogFormat, "text"),
		"Log format, text or json. Defaults to $"+envLogFormat)
	flags.BoolVar(&g.Backup, "backup", env.Bool(envBackup),
		"Keep a copy of each modified image with a .bak suffix. Defaults to $"+envBackup)
	return g
}

func defaultPatchSection() string {
	return env.Str(envPatchSection, ".patch")
}

func defaultExportSection() string {
	return env.Str(envExportSection, ".data")
}
