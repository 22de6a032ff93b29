package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// ANSI escape codes, cleared by setupColors when stdout is not a terminal.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

// setupColors turns colors off for pipes, files and NO_COLOR.
func setupColors() {
	if os.Getenv("NO_COLOR") == "" && term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	colorReset, colorBold, colorDim = "", "", ""
	colorGreen, colorYellow, colorCyan, colorRed = "", "", "", ""
}

func printSection(title string) {
	fmt.Println()
	fmt.Printf("%s%s%s%s\n", colorBold, colorCyan, title, colorReset)
}

func printSuccess(msg string) {
	fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s✗ Error:%s %s\n", colorRed, colorReset, msg)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
