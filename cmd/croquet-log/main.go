// Command croquet-log views and analyzes protocol capture files.
//
// Capture files are written by croquet-client with the -protocol-log flag,
// or by any client whose config sets protocol_log.
//
// Usage:
//
//	croquet-log <command> [flags] <file.clog>
//
// Commands:
//
//	view     View capture in human-readable format
//	export   Export capture to JSONL or CSV
//	stats    Show statistics about the capture
//
// Examples:
//
//	# View only wire-layer events
//	croquet-log view -layer wire session.clog
//
//	# Follow one subscription key
//	croquet-log view -key 'listing/12' session.clog
//
//	# Export to JSONL
//	croquet-log export -format jsonl session.clog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/croquet-sync/croquet-go/cmd/croquet-log/commands"
)

const usage = `croquet-log - protocol capture analyzer

Usage:
  croquet-log <command> [flags] <file.clog>

Commands:
  view     View capture in human-readable format
  export   Export capture to JSONL or CSV
  stats    Show statistics about the capture

Use "croquet-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func requirePath(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "croquet-log view - View capture in human-readable format\n\nUsage:\n  croquet-log view [flags] <file.clog>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	var opts commands.FilterOptions
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, wire, sync)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, control, state, error)")
	fs.StringVar(&opts.Session, "session", "", "Filter by session id")
	fs.StringVar(&opts.Type, "type", "", "Filter by message type")
	fs.StringVar(&opts.Key, "key", "", "Filter by subscription key")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "croquet-log export - Export capture to JSONL or CSV\n\nUsage:\n  croquet-log export [flags] <file.clog>\n\nFlags:\n")
		fs.PrintDefaults()
	}

	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunExport(path, *format, *output); err != nil {
		fail(err)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "croquet-log stats - Show statistics about the capture\n\nUsage:\n  croquet-log stats <file.clog>\n")
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	path := requirePath(fs)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
