package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound message types.
const (
	TypeConnect    = "connect"
	TypeInput      = "input"
	TypeResize     = "resize"
	TypeDisconnect = "disconnect"
)

// Outbound message types.
const (
	TypeStatus       = "status"
	TypeError        = "error"
	TypeSSHOutput    = "ssh_output"
	TypeProcessEnded = "process_ended"
)

// Port accepts a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s", b)
	}
	*p = Port(n)
	return nil
}

// Inbound is a message from the browser. Only the fields of its Type are set.
type Inbound struct {
	Type string `json:"type"`

	// connect
	Hostname string `json:"hostname"`
	Port     Port   `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	KeyPath  string `json:"key_path"`

	// input
	Data string `json:"data"`

	// resize
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ParseInbound decodes one browser message.
func ParseInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, err
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("message has no type")
	}
	return msg, nil
}

// Outbound is a message to the browser.
type Outbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"`
	TabID   string `json:"tabId,omitempty"`
	Code    *int   `json:"code,omitempty"`
}

func statusMsg(text string) Outbound {
	return Outbound{Type: TypeStatus, Message: text}
}

func errorMsg(text string) Outbound {
	return Outbound{Type: TypeError, Message: text}
}

func outputMsg(windowID string, data []byte) Outbound {
	return Outbound{Type: TypeSSHOutput, Data: base64.StdEncoding.EncodeToString(data), TabID: windowID}
}

func processEndedMsg(code int) Outbound {
	return Outbound{
		Type:    TypeProcessEnded,
		Message: fmt.Sprintf("SSH session ended (exit code: %d)", code),
		Code:    &code,
	}
}

// Decode returns the raw bytes of an ssh_output message.
func (o Outbound) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(o.Data)
}
