// scribed hosts shared text documents for editor views.
//
//	scribed run       Run the daemon in the foreground
//	scribed start     Start the daemon in the background
//	scribed config    Write the default configuration if none exists
//	scribed version   Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"scribed/internal/config"
	"scribed/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "start":
		cmdStart(os.Args[2:])
	case "config":
		cmdConfig(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("scribed %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `scribed - shared document host

Usage: scribed <command> [options]

Commands:
  run       Run the daemon in the foreground
  start     Start the daemon in the background
  config    Write the default configuration if none exists
  version   Print the version
  help      Show this help message

Options:
  -config <path>  Path to config file (default: `+config.ConfigPath()+`)

Use scribectl to open, save and inspect documents.`)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	d, err := NewDaemon(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start daemon: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			d.log.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := d.Stop(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
				os.Exit(1)
			}
			return
		case <-ticker.C:
			d.Tick(context.Background())
		}
	}
}

func cmdStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if running(cfg.IPC.SocketPath) {
		fmt.Printf("scribed is already running on %s\n", cfg.IPC.SocketPath)
		return
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}
	runArgs := []string{"run"}
	if *configPath != "" {
		runArgs = append(runArgs, "-config", *configPath)
	}
	cmd := exec.Command(exe, runArgs...)
	cmd.SysProcAttr = getDaemonSysProcAttr()
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running(cfg.IPC.SocketPath) {
			fmt.Printf("scribed started (PID %d) on %s\n", cmd.Process.Pid, cfg.IPC.SocketPath)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "Error: daemon did not come up; check the log file")
	os.Exit(1)
}

// running reports whether a daemon answers on socketPath.
func running(socketPath string) bool {
	cfg := ipc.DefaultClientConfig(socketPath)
	cfg.ClientName = "scribed"
	cfg.ConnectTimeout = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := ipc.DialControl(ctx, cfg)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	_, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
		return
	}
	fmt.Printf("Configuration at %s is valid\n", path)
}
