package protocol

import (
	"encoding/json"
	"fmt"
)

// Camera gateway request types (data.request_type).
const (
	RequestSubscribe         = "subscribe"
	RequestUnsubscribe       = "unsubscribe"
	RequestGetCameraList     = "get_camera_list"
	RequestCaptureScreenshot = "capture_screenshot"
)

// Control gateway command types (data.command_type).
const (
	CommandStateSwitch   = "state_switch"
	CommandXYRControl    = "xyr_control"
	CommandObjectControl = "object_control"
)

// Control targets.
const (
	TargetBody = "body"
	TargetHead = "head"
	TargetLeg  = "leg"
)

// Request is the sum of every request variant a gateway accepts.
// Dispatch sites switch on the concrete type.
type Request interface {
	Kind() string
}

type SubscribeRequest struct {
	CameraIDs []uint32 `json:"camera_ids"`
	SessionID string   `json:"session_id"`
}

type UnsubscribeRequest struct {
	SessionID string `json:"session_id"`
}

type CameraListRequest struct{}

type ScreenshotRequest struct {
	CameraID uint32 `json:"camera_id"`
}

// ControlCommand is a control gateway request. Body holds the typed
// command-specific payload.
type ControlCommand struct {
	CommandType string
	Target      string
	SessionID   string
	Body        CommandBody
}

// CommandBody is the sum of the control command payloads.
type CommandBody interface {
	commandType() string
}

// StateSwitch asks the robot to enter a posture or mode.
type StateSwitch struct {
	State string `json:"state"`
}

// XYRControl is a planar velocity command: forward, lateral, yaw rate.
type XYRControl struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	R float64 `json:"r"`
}

// ObjectControl drives a named actuator or accessory.
type ObjectControl struct {
	Object string          `json:"object"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UnknownRequest carries any request type this build does not know.
type UnknownRequest struct {
	Type string
	Raw  json.RawMessage
}

func (SubscribeRequest) Kind() string   { return RequestSubscribe }
func (UnsubscribeRequest) Kind() string { return RequestUnsubscribe }
func (CameraListRequest) Kind() string  { return RequestGetCameraList }
func (ScreenshotRequest) Kind() string  { return RequestCaptureScreenshot }
func (c ControlCommand) Kind() string   { return c.CommandType }
func (u UnknownRequest) Kind() string   { return u.Type }

func (StateSwitch) commandType() string   { return CommandStateSwitch }
func (XYRControl) commandType() string    { return CommandXYRControl }
func (ObjectControl) commandType() string { return CommandObjectControl }

type requestHead struct {
	RequestType string `json:"request_type"`
	CommandType string `json:"command_type"`
}

type controlWire struct {
	CommandType string          `json:"command_type"`
	Target      string          `json:"target"`
	Data        json.RawMessage `json:"data"`
	SessionID   string          `json:"session_id"`
}

// ParseRequest decodes the envelope data object into a Request.
// Unrecognised types become UnknownRequest; undecodable known types are
// ErrMalformed.
func ParseRequest(data json.RawMessage) (Request, error) {
	var head requestHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: request: %v", ErrMalformed, err)
	}

	switch {
	case head.RequestType != "":
		return parseCameraRequest(head.RequestType, data)
	case head.CommandType != "":
		return parseControlCommand(head.CommandType, data)
	default:
		return UnknownRequest{Raw: data}, nil
	}
}

func parseCameraRequest(kind string, data json.RawMessage) (Request, error) {
	var (
		req Request
		err error
	)
	switch kind {
	case RequestSubscribe:
		var r SubscribeRequest
		err = json.Unmarshal(data, &r)
		req = r
	case RequestUnsubscribe:
		var r UnsubscribeRequest
		err = json.Unmarshal(data, &r)
		req = r
	case RequestGetCameraList:
		req = CameraListRequest{}
	case RequestCaptureScreenshot:
		var r ScreenshotRequest
		err = json.Unmarshal(data, &r)
		req = r
	default:
		return UnknownRequest{Type: kind, Raw: data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return req, nil
}

func parseControlCommand(kind string, data json.RawMessage) (Request, error) {
	switch kind {
	case CommandStateSwitch, CommandXYRControl, CommandObjectControl:
	default:
		return UnknownRequest{Type: kind, Raw: data}, nil
	}

	var wire controlWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}

	switch wire.Target {
	case TargetBody, TargetHead, TargetLeg:
	default:
		return nil, fmt.Errorf("%w: %s: unknown target %q", ErrMalformed, kind, wire.Target)
	}

	var body CommandBody
	switch kind {
	case CommandStateSwitch:
		var b StateSwitch
		if err := unmarshalBody(wire.Data, &b); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
		}
		if b.State == "" {
			return nil, fmt.Errorf("%w: %s: missing state", ErrMalformed, kind)
		}
		body = b
	case CommandXYRControl:
		var b XYRControl
		if err := unmarshalBody(wire.Data, &b); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
		}
		body = b
	case CommandObjectControl:
		var b ObjectControl
		if err := unmarshalBody(wire.Data, &b); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
		}
		if b.Object == "" {
			return nil, fmt.Errorf("%w: %s: missing object", ErrMalformed, kind)
		}
		body = b
	default:
		return UnknownRequest{Type: kind, Raw: data}, nil
	}

	return ControlCommand{
		CommandType: kind,
		Target:      wire.Target,
		SessionID:   wire.SessionID,
		Body:        body,
	}, nil
}

func unmarshalBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
