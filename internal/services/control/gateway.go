package control

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"robot-gateway-go/internal/gateway"
	"robot-gateway-go/internal/protocol"
)

const ackInterval = 10 * time.Millisecond

type job struct {
	peer netip.AddrPort
	cmd  protocol.ControlCommand
}

type outcome struct {
	job
	result Result
	err    error
}

// Service is the control gateway. Commands run in order on one worker so
// a slow robot never stalls the gateway loop; acks are sent from Tick.
type Service struct {
	log     zerolog.Logger
	ctrl    RobotController
	timeout time.Duration

	jobs    chan job
	results chan outcome
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	accepted int64
	executed int64
	failed   int64
	rejected int64
	healthy  bool
}

func New(ctrl RobotController, timeout time.Duration, queueSize int, logger zerolog.Logger) *Service {
	if queueSize < 1 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:     logger,
		ctrl:    ctrl,
		timeout: timeout,
		jobs:    make(chan job, queueSize),
		results: make(chan outcome, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		healthy: true,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *Service) Name() string { return "control-gateway" }

func (s *Service) Handle(ctx *gateway.Context, req protocol.Request) error {
	cmd, ok := req.(protocol.ControlCommand)
	if !ok {
		s.log.Info().Str("type", req.Kind()).Str("peer", ctx.Peer.String()).Msg("Request not served by control gateway")
		return ctx.Reply(protocol.NewError(req.Kind(), "unsupported request type"))
	}

	id, err := ctx.Security.Bind(cmd.SessionID, ctx.Peer)
	if err != nil {
		return err
	}
	cmd.SessionID = id

	select {
	case s.jobs <- job{peer: ctx.Peer, cmd: cmd}:
		s.accepted++
		return nil
	default:
		s.rejected++
		s.log.Warn().Str("command_type", cmd.CommandType).Str("peer", ctx.Peer.String()).Msg("Command queue full")
		return ctx.Reply(protocol.CommandAck{
			Message:     protocol.MessageCommandAck,
			Status:      protocol.StatusError,
			CommandType: cmd.CommandType,
			Target:      cmd.Target,
			SessionID:   id,
			Detail:      "command queue full",
		})
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.jobs:
			s.execute(j)
		}
	}
}

func (s *Service) execute(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("command_type", j.cmd.CommandType).Msg("Panic executing command")
			s.deliver(outcome{job: j, err: ErrRejected})
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.ctrl.Execute(ctx, j.cmd)
	s.log.Debug().
		Str("command_type", j.cmd.CommandType).
		Str("target", j.cmd.Target).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("Command executed")
	s.deliver(outcome{job: j, result: res, err: err})
}

func (s *Service) deliver(o outcome) {
	select {
	case s.results <- o:
	case <-s.ctx.Done():
	}
}

func (s *Service) TickInterval() time.Duration { return ackInterval }

// Tick sends the acks of finished commands.
func (s *Service) Tick(out gateway.Sender) {
	for {
		select {
		case o := <-s.results:
			s.ack(out, o)
		default:
			return
		}
	}
}

func (s *Service) ack(out gateway.Sender, o outcome) {
	ack := protocol.CommandAck{
		Message:     protocol.MessageCommandAck,
		Status:      protocol.StatusSuccess,
		CommandType: o.cmd.CommandType,
		Target:      o.cmd.Target,
		SessionID:   o.cmd.SessionID,
		Detail:      o.result.Detail,
	}
	if o.err != nil {
		s.failed++
		ack.Status = protocol.StatusError
		ack.Detail = o.err.Error()
		s.log.Warn().Err(o.err).Str("command_type", o.cmd.CommandType).Str("target", o.cmd.Target).Msg("Command failed")
	} else {
		s.executed++
	}

	if err := out.Send(o.peer, ack); err != nil {
		s.log.Debug().Err(err).Str("peer", o.peer.String()).Msg("Failed to send command ack")
	}
}

// HealthCheck logs when the robot bus is down.
func (s *Service) HealthCheck() {
	h, ok := s.ctrl.(interface{ Healthy() bool })
	if !ok {
		return
	}
	healthy := h.Healthy()
	if healthy != s.healthy {
		if healthy {
			s.log.Info().Msg("Robot bus recovered")
		} else {
			s.log.Warn().Msg("Robot bus unavailable")
		}
	}
	s.healthy = healthy
}

func (s *Service) Stats() map[string]any {
	return map[string]any{
		"accepted":    s.accepted,
		"executed":    s.executed,
		"failed":      s.failed,
		"rejected":    s.rejected,
		"queued":      len(s.jobs),
		"robot_ready": s.healthy,
	}
}

// Close stops the worker. Queued commands are dropped.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	if n := len(s.jobs); n > 0 {
		s.log.Warn().Int("dropped", n).Msg("Dropping queued commands")
	}
	return nil
}
