// Package bootcmdline parses the Multiboot2 command-line tag into a typed
// struct using github.com/jessevdk/go-flags instead of hand-rolled token
// splitting.
package bootcmdline

import (
	"strings"

	flags "github.com/jessevdk/go-flags"
)

// Options is the closed set of kernel command-line tokens ModuOS
// recognizes. Unknown tokens are ignored rather than rejected: the
// bootloader's command line may carry flags meant for other boot stages.
type Options struct {
	GfxTest    bool   `long:"gfx-test" description:"select the graphics-mode boot path"`
	Root       string `long:"root" description:"vdrive-id:partition-lba hint for the boot mount"`
	LogLevel   string `long:"loglevel" description:"klog verbosity" default:"info"`
	SingleUser bool   `long:"single" description:"boot directly to a single process, skip SQRM scan"`
}

// Parse tokenizes a Multiboot2 command-line string on whitespace and
// decodes recognized long options into Options. Leading/trailing
// whitespace and repeated spaces are tolerated, matching the path
// resolver's leading-whitespace tolerance (§4.H) for consistency.
func Parse(cmdline string) (*Options, error) {
	fields := strings.Fields(cmdline)
	args := make([]string, 0, len(fields))
	for _, f := range fields {
		args = append(args, "--"+strings.TrimPrefix(f, "--"))
	}

	opts := &Options{LogLevel: "info"}
	parser := flags.NewParser(opts, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}
