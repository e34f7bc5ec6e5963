package command

import (
	"errors"
	"fmt"

	"github.com/vmorsell/portaria/internal/metrics"
	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidParams  = errors.New("invalid command parameters")
)

type Publisher interface {
	Publish(topic string, payload any) (transport.Delivery, error)
}

type Params struct {
	Mode model.Mode
	UID  string
}

// Emitter turns operator intents into command messages for the device.
// There is no acknowledgement: the device answers on the status topics.
type Emitter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	pub     Publisher
	topic   string
}

func NewEmitter(logger *zap.Logger, pub Publisher, topic string, m *metrics.Metrics) *Emitter {
	return &Emitter{
		logger:  logger.With(zap.String("component", "command")),
		metrics: m,
		pub:     pub,
		topic:   topic,
	}
}

func (e *Emitter) Emit(kind model.CommandKind, p Params) error {
	cmd, err := build(kind, p)
	if err != nil {
		e.metrics.RecordCommand(string(kind), transport.Dropped.String())
		return err
	}

	d, err := e.pub.Publish(e.topic, cmd)
	e.metrics.RecordCommand(string(kind), d.String())
	if err != nil {
		e.logger.Warn("command not published",
			zap.String("cmd", string(kind)),
			zap.Stringer("delivery", d),
			zap.Error(err))
		return fmt.Errorf("emit %s: %w", kind, err)
	}

	e.logger.Debug("command emitted", zap.String("cmd", string(kind)), zap.Stringer("delivery", d))
	return nil
}

func (e *Emitter) StartRegistration(mode model.Mode) error {
	return e.Emit(model.CommandStartRegister, Params{Mode: mode})
}

func (e *Emitter) StartEntry() error {
	return e.Emit(model.CommandStartEntry, Params{})
}

func (e *Emitter) StartExit() error {
	return e.Emit(model.CommandStartExit, Params{})
}

func (e *Emitter) GetHistory() error {
	return e.Emit(model.CommandGetHistory, Params{})
}

func (e *Emitter) GetInsideToday() error {
	return e.Emit(model.CommandGetInsideToday, Params{})
}

func (e *Emitter) GetWeeklyAttendance(uid string) error {
	return e.Emit(model.CommandGetWeeklyAttendance, Params{UID: uid})
}

func build(kind model.CommandKind, p Params) (model.Command, error) {
	cmd := model.Command{Cmd: kind}
	switch kind {
	case model.CommandStartRegister:
		if !p.Mode.Valid() {
			return cmd, fmt.Errorf("%w: mode %q", ErrInvalidParams, p.Mode)
		}
		cmd.Tipo = p.Mode
	case model.CommandGetWeeklyAttendance:
		if p.UID == "" {
			return cmd, fmt.Errorf("%w: uid is required", ErrInvalidParams)
		}
		cmd.UID = p.UID
	case model.CommandStartEntry, model.CommandStartExit,
		model.CommandGetHistory, model.CommandGetInsideToday:
	default:
		return cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, kind)
	}
	return cmd, nil
}
