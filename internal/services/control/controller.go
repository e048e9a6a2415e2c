// Package control implements the control gateway and the boundary to the
// robot motion stack.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/protocol"
)

var ErrRejected = errors.New("command rejected by robot")

// Result is the robot side outcome of a command.
type Result struct {
	Detail string `json:"detail,omitempty"`
}

// RobotController executes control commands against the robot.
type RobotController interface {
	Execute(ctx context.Context, cmd protocol.ControlCommand) (Result, error)
}

// Bus is the subset of the messaging service used to reach the robot.
type Bus interface {
	Publish(subject string, data any) error
	Request(ctx context.Context, subject string, data any, timeout time.Duration) ([]byte, error)
	IsConnected() bool
}

// CommandMessage is the command as published on the robot bus.
type CommandMessage struct {
	CommandType string               `json:"command_type"`
	Target      string               `json:"target"`
	SessionID   string               `json:"session_id,omitempty"`
	Timestamp   float64              `json:"timestamp"`
	Data        protocol.CommandBody `json:"data"`
}

type robotReply struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// NATSController publishes commands on <subject>.<target>. With
// requestReply set it waits for the robot to answer.
type NATSController struct {
	bus          Bus
	subject      string
	requestReply bool
	now          func() time.Time
}

func NewNATSController(bus Bus, subject string, requestReply bool) *NATSController {
	return &NATSController{
		bus:          bus,
		subject:      subject,
		requestReply: requestReply,
		now:          time.Now,
	}
}

func (c *NATSController) Subject(target string) string {
	return c.subject + "." + target
}

func (c *NATSController) Execute(ctx context.Context, cmd protocol.ControlCommand) (Result, error) {
	msg := CommandMessage{
		CommandType: cmd.CommandType,
		Target:      cmd.Target,
		SessionID:   cmd.SessionID,
		Timestamp:   protocol.Timestamp(c.now()),
		Data:        cmd.Body,
	}
	subject := c.Subject(cmd.Target)

	if !c.requestReply {
		if err := c.bus.Publish(subject, msg); err != nil {
			return Result{}, fmt.Errorf("publish %s: %w", subject, err)
		}
		return Result{Detail: "published"}, nil
	}

	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	raw, err := c.bus.Request(ctx, subject, msg, timeout)
	if err != nil {
		return Result{}, fmt.Errorf("request %s: %w", subject, err)
	}

	var reply robotReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Result{}, fmt.Errorf("robot reply on %s: %w", subject, err)
	}
	if reply.Status != protocol.StatusSuccess {
		return Result{}, fmt.Errorf("%w: %s", ErrRejected, reply.Detail)
	}
	return Result{Detail: reply.Detail}, nil
}

// Healthy reports whether the bus connection is up.
func (c *NATSController) Healthy() bool {
	return c.bus.IsConnected()
}

// LogController accepts every command and only logs it. Used when no
// robot bus is configured.
type LogController struct {
	log zerolog.Logger
}

func NewLogController(logger zerolog.Logger) *LogController {
	return &LogController{log: logger}
}

func (c *LogController) Execute(_ context.Context, cmd protocol.ControlCommand) (Result, error) {
	ev := c.log.Info().
		Str("command_type", cmd.CommandType).
		Str("target", cmd.Target).
		Str("session_id", cmd.SessionID)

	switch b := cmd.Body.(type) {
	case protocol.StateSwitch:
		ev = ev.Str("state", b.State)
	case protocol.XYRControl:
		ev = ev.Float64("x", b.X).Float64("y", b.Y).Float64("r", b.R)
	case protocol.ObjectControl:
		ev = ev.Str("object", b.Object).Str("action", b.Action)
	}
	ev.Msg("Robot command")

	return Result{Detail: "logged"}, nil
}
