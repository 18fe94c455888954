package main

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func setupLogging(g *globalFlags, w io.Writer) error {
	switch g.LogFormat {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{DisableTimestamp: true})
	default:
		return errors.Errorf("invalid log format %q, expected text or json", g.LogFormat)
	}
	logrus.SetOutput(w)
	if g.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return nil
}
