package workspace

import (
	"context"
	"fmt"

	"scribed/internal/protocol"
)

// OpenResult answers the open command.
type OpenResult struct {
	Path  string `json:"path"`
	Dirty bool   `json:"dirty"`
}

// SelectResult answers selectReference and alignReference.
type SelectResult struct {
	Views int `json:"views"`
}

// HandleControl answers one control command. Failures are reported in the
// response's error field.
func (w *Workspace) HandleControl(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var args protocol.ControlArgs
	if len(msg.Content) > 0 {
		if err := msg.DecodeContent(&args); err != nil {
			return protocol.Reply(msg.RequestID, nil, fmt.Errorf("decode arguments: %w", err))
		}
	}
	log := w.log.With("command", msg.Command, "path", args.Path)

	result, err := w.control(ctx, msg, args)
	w.metrics.ControlCommand(string(msg.Command), err != nil)
	if err != nil {
		log.Info("control command failed", "error", err)
	} else {
		log.Debug("control command done")
	}
	return protocol.Reply(msg.RequestID, result, err)
}

func (w *Workspace) control(ctx context.Context, msg *protocol.Message, args protocol.ControlArgs) (any, error) {
	switch msg.Command {
	case protocol.CmdOpen:
		doc, err := w.Open(ctx, args.Path, args.BackupID)
		if err != nil {
			return nil, err
		}
		return OpenResult{Path: doc.URI(), Dirty: doc.IsDirty()}, nil

	case protocol.CmdClose:
		return nil, w.Close(ctx, args.Path)

	case protocol.CmdSave:
		return nil, w.Save(ctx, args.Path)

	case protocol.CmdSaveAs:
		return nil, w.SaveAs(ctx, args.Path, args.Target)

	case protocol.CmdRevert:
		return nil, w.Revert(ctx, args.Path)

	case protocol.CmdBackup:
		return w.Backup(ctx, args.Path)

	case protocol.CmdUndo:
		return nil, w.Undo(args.Path)

	case protocol.CmdRedo:
		return nil, w.Redo(args.Path)

	case protocol.CmdOutline:
		if args.Reference != "" {
			return w.Resolve(args.Path, args.Reference)
		}
		return w.OutlineOf(args.Path, args.Mode)

	case protocol.CmdStatus:
		return w.Snapshot(ctx), nil

	case protocol.CmdSelectReference, protocol.CmdAlignReference:
		ref := args.Reference
		if ref == "" {
			ref = msg.CommandArg
		}
		if args.Path != "" {
			ctrl, err := w.Controller(args.Path)
			if err != nil {
				return nil, err
			}
			if msg.Command == protocol.CmdSelectReference {
				ctrl.Select(ref)
			} else {
				ctrl.Align(ref)
			}
			return SelectResult{Views: len(w.reg.ViewsOf(ctrl.Key()))}, nil
		}
		if msg.Command == protocol.CmdSelectReference {
			return SelectResult{Views: w.SelectReference(ref)}, nil
		}
		return SelectResult{Views: w.AlignReference(ref)}, nil

	case protocol.CmdSelectLine:
		line := args.Line
		if msg.LineNumber != nil {
			line = *msg.LineNumber
		}
		return nil, w.SelectLine(args.Path, line)

	default:
		return nil, fmt.Errorf("unsupported control command %q", msg.Command)
	}
}
