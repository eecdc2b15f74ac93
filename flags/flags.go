// Package flags parses meshd's command-line options.
package flags

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Options collects meshd's command-line-configurable settings.
type Options struct {
	ConfigPath  string
	DisplayName string
	LogLevel    string
	ShowVersion bool
}

// NewOptions returns a zero-value Options ready for Parse.
func NewOptions() *Options { return &Options{} }

// Parse populates opts from os.Args.
func Parse(opts *Options) error {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		pflag.PrintDefaults()
	}

	pflag.StringVar(&opts.ConfigPath, "config", "", "Path to a YAML policy config file")
	pflag.StringVar(&opts.DisplayName, "name", "", "Display name to announce to peers")
	pflag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: silent, error, info, or debug")
	pflag.BoolVarP(&opts.ShowVersion, "version", "v", false, "Print the version number and exit")

	pflag.Parse()
	return nil
}
