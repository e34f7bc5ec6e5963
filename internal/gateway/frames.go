package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
)

// Outbound frame types.
const (
	FrameState      = "state"
	FrameConnection = "connection"
	FrameError      = "error"
)

// Inbound intent types.
const (
	IntentSelectMode    = "select_mode"
	IntentStart         = "start"
	IntentSelectSubject = "select_subject"
	IntentRefresh       = "refresh"
	IntentSimulate      = "simulate"
)

type stateFrame struct {
	Type   string `json:"type"`
	Screen string `json:"screen"`
	State  any    `json:"state"`
}

type connectionFrame struct {
	Type    string          `json:"type"`
	State   transport.State `json:"state"`
	Pending int             `json:"pending"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// intent is an operator action sent by the view.
type intent struct {
	Type   string       `json:"type"`
	Mode   model.Mode   `json:"mode,omitempty"`
	UID    string       `json:"uid,omitempty"`
	Step   model.Step   `json:"step,omitempty"`
	Status model.Status `json:"status,omitempty"`
}

var errMalformedIntent = errors.New("malformed intent")

func newConnectionFrame(s transport.Status) connectionFrame {
	return connectionFrame{Type: FrameConnection, State: s.State, Pending: s.Pending}
}

func encodeFrame(frame any) ([]byte, error) {
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return b, nil
}

func decodeIntent(raw []byte) (intent, error) {
	var in intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return intent{}, fmt.Errorf("%w: %v", errMalformedIntent, err)
	}
	if in.Type == "" {
		return intent{}, fmt.Errorf("%w: missing type", errMalformedIntent)
	}
	return in, nil
}
