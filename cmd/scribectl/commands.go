package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scribed/internal/config"
	"scribed/internal/document"
	"scribed/internal/ipc"
	"scribed/internal/outline"
	"scribed/internal/protocol"
	"scribed/internal/syncctl"
	"scribed/internal/web"
	"scribed/internal/workspace"
)

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if *socketPath != "" {
		cfg.IPC.SocketPath = *socketPath
	}
	return cfg
}

func clientConfig() ipc.ClientConfig {
	cc := ipc.DefaultClientConfig(loadConfig().IPC.SocketPath)
	cc.ClientName = "scribectl"
	return cc
}

// absPath resolves name against the working directory of the CLI, since
// the daemon resolves relative paths against its own.
func absPath(name string) string {
	p, err := filepath.Abs(name)
	if err != nil {
		fatalf("Invalid path %q: %v", name, err)
	}
	return p
}

// call runs one control command and decodes its response into out.
func call(cmd protocol.Command, args protocol.ControlArgs, out any) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c, err := ipc.DialControl(ctx, clientConfig())
	if err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  %sTip%s: Start the daemon with: scribed start\n", colorDim, colorReset)
		}
		os.Exit(1)
	}
	defer c.Close()

	var raw json.RawMessage
	if err := c.Call(ctx, cmd, args, &raw); err != nil {
		fatalf("%v", err)
	}
	if *jsonOutput {
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		fmt.Println(string(raw))
		os.Exit(0)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("Decode %s response: %v", cmd, err)
		}
	}
}

func cmdStatus() {
	var st workspace.Status
	call(protocol.CmdStatus, protocol.ControlArgs{}, &st)

	printSection("DOCUMENTS")
	if len(st.Documents) == 0 {
		fmt.Printf("  %sNo open documents%s\n", colorDim, colorReset)
	}
	for _, d := range st.Documents {
		state := colorGreen + "clean" + colorReset
		if d.Dirty {
			state = colorYellow + "dirty" + colorReset
		}
		fmt.Printf("  %s%s%s\n", colorBold, d.Path, colorReset)
		fmt.Printf("    %sState%s       %s\n", colorDim, colorReset, state)
		fmt.Printf("    %sViews%s       %d\n", colorDim, colorReset, d.Views)
		fmt.Printf("    %sChapters%s    %d\n", colorDim, colorReset, d.Chapters)
		fmt.Printf("    %sHistory%s     %d\n", colorDim, colorReset, d.History)
		fmt.Printf("    %sGeneration%s  %d\n", colorDim, colorReset, d.Generation)
		if d.Pending > 0 {
			fmt.Printf("    %sPending%s     %d\n", colorDim, colorReset, d.Pending)
		}
	}

	printSection("VIEWS")
	fmt.Printf("  %sAttached%s      %d\n", colorDim, colorReset, st.Views)
	fmt.Printf("  %sWatched files%s %d\n", colorDim, colorReset, st.Watched)

	if len(st.Backups) > 0 {
		printSection("BACKUPS")
		for _, b := range st.Backups {
			fmt.Printf("  %s\n", b.Path)
			fmt.Printf("    %sCount%s   %d (%s)\n", colorDim, colorReset, b.Count, formatSize(b.Size))
			fmt.Printf("    %sLatest%s  %s\n", colorDim, colorReset, b.LatestAt.Format(time.RFC3339))
		}
	}
	fmt.Println()
}

func cmdOpen(args []string) {
	fs := flag.NewFlagSet("open", flag.ExitOnError)
	backupID := fs.String("backup", "", "resume from this backup id")
	fs.Parse(args)
	need("open", fs.Args(), 1, "[-backup id] <file>")

	var res workspace.OpenResult
	call(protocol.CmdOpen, protocol.ControlArgs{Path: absPath(fs.Arg(0)), BackupID: *backupID}, &res)
	if res.Dirty {
		printSuccess(fmt.Sprintf("Opened %s with unsaved changes", res.Path))
		return
	}
	printSuccess(fmt.Sprintf("Opened %s", res.Path))
}

var documentCommands = map[string]struct {
	cmd  protocol.Command
	done string
}{
	"close":  {protocol.CmdClose, "Closed"},
	"save":   {protocol.CmdSave, "Saved"},
	"revert": {protocol.CmdRevert, "Reverted"},
	"undo":   {protocol.CmdUndo, "Undid last edit in"},
	"redo":   {protocol.CmdRedo, "Redid last edit in"},
	"backup": {protocol.CmdBackup, "Backed up"},
}

func cmdDocument(name, file string) {
	dc := documentCommands[name]
	path := absPath(file)

	if dc.cmd == protocol.CmdBackup {
		var info workspace.BackupInfo
		call(dc.cmd, protocol.ControlArgs{Path: path}, &info)
		printSuccess(fmt.Sprintf("Backed up %s", path))
		fmt.Printf("  %sID%s           %s\n", colorDim, colorReset, info.ID)
		fmt.Printf("  %sDestination%s  %s\n", colorDim, colorReset, info.Destination)
		fmt.Printf("  %sSize%s         %s\n", colorDim, colorReset, formatSize(info.Size))
		return
	}
	call(dc.cmd, protocol.ControlArgs{Path: path}, nil)
	printSuccess(fmt.Sprintf("%s %s", dc.done, path))
}

func cmdSaveAs(file, target string) {
	path, dest := absPath(file), absPath(target)
	call(protocol.CmdSaveAs, protocol.ControlArgs{Path: path, Target: dest}, nil)
	printSuccess(fmt.Sprintf("Wrote %s", dest))
}

func cmdOutline(args []string) {
	fs := flag.NewFlagSet("outline", flag.ExitOnError)
	mode := fs.String("mode", "", "outline mode: chapters or lines")
	ref := fs.String("ref", "", "resolve one reference, e.g. 3:16")
	fs.Parse(args)
	need("outline", fs.Args(), 1, "[-mode m] [-ref r] <file>")
	path := absPath(fs.Arg(0))

	if *ref != "" {
		var loc outline.Locator
		call(protocol.CmdOutline, protocol.ControlArgs{Path: path, Reference: *ref}, &loc)
		fmt.Printf("%s  %schars %d-%d%s\n", loc.Reference, colorDim, loc.Start, loc.End, colorReset)
		return
	}

	var res workspace.OutlineResult
	call(protocol.CmdOutline, protocol.ControlArgs{Path: path, Mode: *mode}, &res)
	switch res.Mode {
	case workspace.ModeLines:
		for _, l := range res.Lines {
			fmt.Printf("%5s  %s\n", l.Path, l.Label)
		}
	default:
		if res.Chapters == nil || len(res.Chapters.Chapters) == 0 {
			fmt.Printf("%sNo chapters%s\n", colorDim, colorReset)
			return
		}
		for _, ch := range res.Chapters.Chapters {
			fmt.Printf("%sChapter %s%s  %s%d verses%s\n",
				colorBold, ch.Number, colorReset, colorDim, len(ch.Verses), colorReset)
		}
	}
}

func cmdSelect(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	doc := fs.String("path", "", "limit to the views of one document")
	fs.Parse(args)
	need(name, fs.Args(), 1, "[-path file] <ref>")

	cmd := protocol.CmdSelectReference
	if name == "align" {
		cmd = protocol.CmdAlignReference
	}
	ca := protocol.ControlArgs{Reference: fs.Arg(0)}
	if *doc != "" {
		ca.Path = absPath(*doc)
	}
	var res workspace.SelectResult
	call(cmd, ca, &res)
	printSuccess(fmt.Sprintf("Sent %s to %d view(s)", fs.Arg(0), res.Views))
}

func cmdSelectLine(file string, line int) {
	call(protocol.CmdSelectLine, protocol.ControlArgs{Path: absPath(file), Line: line}, nil)
	printSuccess(fmt.Sprintf("Selected line %d", line))
}

// cmdAttach runs a view until interrupted, printing what the host sends.
func cmdAttach(file string) {
	path := absPath(file)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replica := syncctl.NewReplica(nil)
	replica.OnRemoteChange = func(s document.Snapshot) {
		fmt.Printf("%s[%s]%s content %s (%d chars)\n",
			colorDim, time.Now().Format("15:04:05"), colorReset,
			s.Content.Version, len([]rune(s.Content.Payload)))
	}
	replica.OnCommand = func(m *protocol.Message) {
		switch {
		case m.LineNumber != nil:
			fmt.Printf("%s %d\n", m.Command, *m.LineNumber)
		default:
			fmt.Printf("%s %s\n", m.Command, m.CommandArg)
		}
	}

	cc := clientConfig()
	cc.ClientName = "scribectl-attach"
	view := ipc.NewViewClient(ipc.ViewConfig{ClientConfig: cc, Path: path}, replica)

	go func() {
		select {
		case <-view.Attached():
			printSuccess(fmt.Sprintf("Attached to %s as %s", path, view.ConnID()))
		case <-ctx.Done():
		}
	}()

	if err := view.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatalf("%v", err)
	}
}

func cmdToken(file string) {
	cfg := loadConfig()
	if cfg.Web.TokenSecret == "" {
		fatalf("web.token_secret is not set; tokens are not required")
	}
	path := absPath(file)
	tok, err := web.NewTokens(cfg.Web.TokenSecret, cfg.TokenTTL()).Issue(path)
	if err != nil {
		fatalf("Issue token: %v", err)
	}
	if *jsonOutput {
		json.NewEncoder(os.Stdout).Encode(map[string]string{"path": path, "token": tok})
		return
	}
	q := url.Values{"path": {path}, "token": {tok}}
	fmt.Println(tok)
	fmt.Printf("%sws://%s/ws?%s%s\n", colorDim, cfg.Web.Addr, q.Encode(), colorReset)
}
