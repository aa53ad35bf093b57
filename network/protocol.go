package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"monkeykit/models"
)

const (
	// MaxFrameSize is the maximum accepted websocket frame (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// SubProtocol is the websocket sub-protocol announced on dial.
	SubProtocol = "monkey-protocol"
)

var (
	// ErrInvalidFrame indicates an inbound frame is not a command envelope.
	ErrInvalidFrame = errors.New("network: invalid frame")
)

// Frame is one command envelope exchanged over the connection.
type Frame struct {
	Cmd  models.Command `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

// EncodeFrame wraps args into a {"cmd","args"} envelope.
func EncodeFrame(cmd models.Command, args any) ([]byte, error) {
	if args == nil {
		args = map[string]any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode args for command %d: %w", cmd, err)
	}
	payload, err := json.Marshal(Frame{Cmd: cmd, Args: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("encode frame for command %d: %w", cmd, err)
	}
	return payload, nil
}

// DecodeFrame returns the command code and the raw args object of payload.
// Args carried as a JSON string are unwrapped.
func DecodeFrame(payload []byte) (models.Command, []byte, error) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return 0, nil, ErrInvalidFrame
	}
	cmd := gjson.GetBytes(payload, "cmd")
	if !cmd.Exists() {
		return 0, nil, fmt.Errorf("%w: missing cmd", ErrInvalidFrame)
	}

	args := gjson.GetBytes(payload, "args")
	raw := args.Raw
	if args.Type == gjson.String && gjson.Valid(args.String()) {
		raw = args.String()
	}
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	return models.Command(cmd.Int()), []byte(raw), nil
}
