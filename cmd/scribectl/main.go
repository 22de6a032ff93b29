// scribectl is the control CLI for scribed.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	jsonOutput = flag.Bool("json", false, "print raw JSON responses")
)

func main() {
	flag.Usage = usage
	flag.Parse()
	setupColors()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "open":
		cmdOpen(args)
	case "close", "save", "revert", "backup", "undo", "redo":
		need(cmd, args, 1, "<file>")
		cmdDocument(cmd, args[0])
	case "save-as":
		need(cmd, args, 2, "<file> <target>")
		cmdSaveAs(args[0], args[1])
	case "outline":
		cmdOutline(args)
	case "select", "align":
		cmdSelect(cmd, args)
	case "select-line":
		need(cmd, args, 2, "<file> <line>")
		line, err := strconv.Atoi(args[1])
		if err != nil || line < 0 {
			fatalf("invalid line number %q", args[1])
		}
		cmdSelectLine(args[0], line)
	case "attach":
		need(cmd, args, 1, "<file>")
		cmdAttach(args[0])
	case "token":
		need(cmd, args, 1, "<file>")
		cmdToken(args[0])
	case "version":
		fmt.Printf("scribectl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `scribectl - Control utility for scribed

Usage: scribectl [options] <command> [args]

Commands:
  status                       Show open documents, views and backups
  open [-backup id] <file>     Open a document, optionally from a backup
  close <file>                 Close a document and disconnect its views
  save <file>                  Flush views and write the document
  save-as <file> <target>      Write a copy of the document to target
  revert <file>                Reload the document from disk
  backup <file>                Write a backup of the document
  undo <file>                  Undo the last edit
  redo <file>                  Redo the last undone edit
  outline [-mode m] [-ref r] <file>
                               Show the outline, or resolve one reference
  select [-path file] <ref>    Ask views to select a reference
  align [-path file] <ref>     Ask views to scroll a reference into view
  select-line <file> <line>    Ask views of a document to select a line
  attach <file>                Attach as a view and print remote changes
  token <file>                 Issue a websocket token for a document
  version                      Print the version
  help                         Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Daemon socket, overriding the config file
  -json           Print raw JSON responses`)
}

func need(cmd string, args []string, n int, shape string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "Usage: scribectl %s %s\n", cmd, shape)
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	printError(fmt.Sprintf(format, args...))
	os.Exit(1)
}
