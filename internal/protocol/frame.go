package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a websocket frame.
type FrameType string

const (
	FrameEmit  FrameType = "emit"
	FrameAck   FrameType = "ack"
	FrameEvent FrameType = "event"
)

// Frame is the envelope for every message on the channel. Emit frames with
// ID 0 expect no acknowledgement.
type Frame struct {
	Type  FrameType       `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewEmit builds an emit frame carrying payload.
func NewEmit(id uint64, event string, payload any) (Frame, error) {
	data, err := marshalData(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Frame{Type: FrameEmit, ID: id, Event: event, Data: data}, nil
}

// NewAck builds the acknowledgement for emit id.
func NewAck(id uint64, payload any, ackErr error) (Frame, error) {
	f := Frame{Type: FrameAck, ID: id}
	if ackErr != nil {
		f.Error = ackErr.Error()
		return f, nil
	}
	data, err := marshalData(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	return f, nil
}

// NewEvent builds a server push frame.
func NewEvent(event string, payload any) (Frame, error) {
	data, err := marshalData(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEvent, Event: event, Data: data}, nil
}

// ParseFrame decodes a frame and checks its type.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameEmit, FrameEvent:
		if f.Event == "" {
			return Frame{}, fmt.Errorf("%s frame without event", f.Type)
		}
	case FrameAck:
		if f.ID == 0 {
			return Frame{}, fmt.Errorf("ack frame without id")
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

func marshalData(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(payload)
}
