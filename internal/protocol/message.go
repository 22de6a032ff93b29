// Package protocol defines the message envelope exchanged between the host
// and its views, the length-prefixed framing used on local sockets, and
// schema validation of inbound messages.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names the purpose of a message.
type Command string

// View protocol commands.
const (
	CmdHandshake        Command = "handshake"
	CmdReady            Command = "ready"
	CmdSync             Command = "sync"
	CmdFlushUpdates     Command = "flushUpdates"
	CmdResponse         Command = "response"
	CmdSelectReference  Command = "selectReference"
	CmdAlignReference   Command = "alignReference"
	CmdSelectLine       Command = "selectLine"
	CmdGetConfiguration Command = "getConfiguration"
	CmdGetFile          Command = "getFile"
	CmdPing             Command = "ping"
)

// Control commands, issued by scribectl over a control connection.
const (
	CmdOpen    Command = "open"
	CmdClose   Command = "close"
	CmdSave    Command = "save"
	CmdSaveAs  Command = "saveAs"
	CmdRevert  Command = "revert"
	CmdBackup  Command = "backup"
	CmdOutline Command = "outline"
	CmdStatus  Command = "status"
	CmdUndo    Command = "undo"
	CmdRedo    Command = "redo"
)

// Connection roles announced in the handshake.
const (
	RoleView    = "view"
	RoleControl = "control"
)

// Message is the JSON envelope for every exchange.
type Message struct {
	Command    Command         `json:"command"`
	Content    json.RawMessage `json:"content,omitempty"`
	RequestID  uint64          `json:"requestId,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	CommandArg string          `json:"commandArg,omitempty"`
	LineNumber *int            `json:"lineNumber,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Hello is carried in the response field of a handshake.
type Hello struct {
	Role   string `json:"role"`
	Client string `json:"client,omitempty"`
	Token  string `json:"token,omitempty"`
}

// ControlArgs is the content of a control command.
type ControlArgs struct {
	Path      string `json:"path,omitempty"`
	Target    string `json:"target,omitempty"`
	BackupID  string `json:"backupId,omitempty"`
	Reference string `json:"reference,omitempty"`
	Line      int    `json:"line,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

func (m *Message) String() string {
	if m.RequestID != 0 {
		return fmt.Sprintf("%s#%d", m.Command, m.RequestID)
	}
	return string(m.Command)
}

// DecodeContent unmarshals the content field into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%s: missing content", m.Command)
	}
	return json.Unmarshal(m.Content, v)
}

// DecodeResponse unmarshals the response field into v.
func (m *Message) DecodeResponse(v any) error {
	if len(m.Response) == 0 {
		return fmt.Errorf("%s: missing response", m.Command)
	}
	return json.Unmarshal(m.Response, v)
}

// WithContent returns a message carrying v as content.
func WithContent(cmd Command, v any) (*Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s content: %w", cmd, err)
	}
	return &Message{Command: cmd, Content: data}, nil
}

// Reply builds the response to a request. A non-nil err is reported in the
// error field instead of a payload.
func Reply(requestID uint64, v any, err error) *Message {
	m := &Message{Command: CmdResponse, RequestID: requestID}
	if err != nil {
		m.Error = err.Error()
		return m
	}
	if v != nil {
		data, mErr := json.Marshal(v)
		if mErr != nil {
			m.Error = mErr.Error()
			return m
		}
		m.Response = data
	}
	return m
}

// NewHandshake builds the first message of a connection.
func NewHandshake(path string, hello Hello) *Message {
	data, _ := json.Marshal(hello)
	return &Message{Command: CmdHandshake, CommandArg: path, Response: data}
}

// NewSelectLine builds a selectLine command.
func NewSelectLine(line int) *Message {
	return &Message{Command: CmdSelectLine, LineNumber: &line}
}
