// Package devicesim simulates the access-control device: it answers kiosk
// commands with the status, movement and inside-list messages the real
// controller publishes.
package devicesim

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap"
)

const DefaultStepDelay = 2 * time.Second

type Publisher interface {
	Publish(topic string, payload any) (transport.Delivery, error)
}

// CardReader returns the uid of the next card held to the reader. kind is
// the registry the card is checked against.
type CardReader func(kind model.Mode, registering bool) string

type Option func(*Device)

func WithDelay(d time.Duration) Option {
	return func(dev *Device) {
		dev.delay = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(dev *Device) {
		dev.now = now
	}
}

func WithReader(r CardReader) Option {
	return func(dev *Device) {
		dev.read = r
	}
}

// WithRegistered seeds the registry of kind.
func WithRegistered(kind model.Mode, uids ...string) Option {
	return func(dev *Device) {
		for _, uid := range uids {
			dev.registered[kind] = append(dev.registered[kind], normalize(uid))
		}
	}
}

type Device struct {
	logger *zap.Logger
	pub    Publisher
	topics model.Topics
	delay  time.Duration
	now    func() time.Time
	read   CardReader

	mu         sync.Mutex
	registered map[model.Mode][]string
	movements  []model.MovementMessage
	reads      int
}

func New(logger *zap.Logger, pub Publisher, topics model.Topics, opts ...Option) *Device {
	d := &Device{
		logger:     logger.With(zap.String("component", "devicesim")),
		pub:        pub,
		topics:     topics,
		delay:      DefaultStepDelay,
		now:        time.Now,
		registered: make(map[model.Mode][]string),
	}
	d.read = d.defaultReader
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle runs one command to completion, pausing between card reads.
func (d *Device) Handle(topic string, payload []byte) {
	if topic != d.topics.Commands {
		return
	}
	var cmd model.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		d.logger.Warn("malformed command", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	d.logger.Info("command received", zap.String("cmd", string(cmd.Cmd)))

	switch cmd.Cmd {
	case model.CommandStartRegister:
		d.register(cmd.Tipo)
	case model.CommandStartEntry:
		d.flow(model.FlowEntry, model.StepParent, model.StepEmployee)
	case model.CommandStartExit:
		d.flow(model.FlowExit, model.StepEmployee, model.StepParent)
	case model.CommandGetHistory:
		d.history()
	case model.CommandGetInsideToday:
		d.inside()
	case model.CommandGetWeeklyAttendance:
		d.weekDays(cmd.UID)
	default:
		d.logger.Warn("unknown command", zap.String("cmd", string(cmd.Cmd)))
	}
}

func (d *Device) register(kind model.Mode) {
	if !kind.Valid() {
		d.publish(d.topics.Status, model.StatusMessage{Context: model.ContextRegistration, Status: string(model.StatusError)})
		return
	}
	d.publish(d.topics.Status, model.StatusMessage{Context: model.ContextRegistration, Status: string(model.StatusWaiting)})
	d.pause()

	uid := normalize(d.read(kind, true))
	d.mu.Lock()
	exists := d.isRegisteredLocked(kind, uid)
	if !exists {
		d.registered[kind] = append(d.registered[kind], uid)
	}
	d.mu.Unlock()

	status := model.StatusSuccess
	if exists {
		status = model.StatusExists
	}
	d.logger.Info("card registration", zap.String("kind", string(kind)), zap.String("uid", uid), zap.String("status", string(status)))
	d.publish(d.topics.Status, model.StatusMessage{Context: model.ContextRegistration, Status: string(status)})
}

func (d *Device) flow(flow model.Flow, first, second model.Step) {
	uids := make(map[model.Step]string, 2)
	for _, step := range []model.Step{first, second} {
		d.publishStep(flow, step, model.StatusWaiting)
		d.pause()

		kind := model.Mode(step)
		uid := normalize(d.read(kind, false))
		d.mu.Lock()
		ok := d.isRegisteredLocked(kind, uid)
		d.mu.Unlock()
		if !ok {
			d.logger.Info("card rejected", zap.String("flow", string(flow)), zap.String("step", string(step)), zap.String("uid", uid))
			d.publishStep(flow, step, model.StatusError)
			return
		}
		uids[step] = uid
		d.publishStep(flow, step, model.StatusSuccess)
	}

	now := d.now()
	mv := model.MovementMessage{
		Funcionario: uids[model.StepEmployee],
		Usuario:     uids[model.StepParent],
		Data:        model.FormatDate(now),
		Hora:        now.Format("15:04:05"),
	}
	d.mu.Lock()
	d.movements = append(d.movements, mv)
	d.mu.Unlock()
	d.publish(d.topics.Movements, mv)
}

func (d *Device) history() {
	d.mu.Lock()
	log := append([]model.MovementMessage{}, d.movements...)
	d.mu.Unlock()
	for _, mv := range log {
		d.publish(d.topics.Movements, mv)
	}
}

func (d *Device) inside() {
	today := model.FormatDate(d.now())

	d.mu.Lock()
	counts := make(map[string]int)
	var order []string
	for _, mv := range d.movements {
		if mv.Data != today {
			continue
		}
		if _, seen := counts[mv.Usuario]; !seen {
			order = append(order, mv.Usuario)
		}
		counts[mv.Usuario]++
	}
	d.mu.Unlock()

	items := []model.InsideItem{}
	for _, uid := range order {
		if counts[uid]%2 == 1 {
			items = append(items, model.InsideItem{UID: uid, Count: counts[uid]})
		}
	}
	d.publish(d.topics.Inside, model.InsideMessage{Context: model.ContextInside, Total: len(items), Itens: items})
}

// weekDays reports the dates since Sunday on which uid passed the gate.
func (d *Device) weekDays(uid string) {
	uid = normalize(uid)
	now := d.now()
	week := make(map[string]bool, 7)
	for i := 0; i <= int(now.Weekday()); i++ {
		week[model.FormatDate(now.AddDate(0, 0, -i))] = true
	}

	d.mu.Lock()
	seen := make(map[string]bool)
	days := []string{}
	for _, mv := range d.movements {
		if mv.Usuario != uid || !week[mv.Data] || seen[mv.Data] {
			continue
		}
		seen[mv.Data] = true
		days = append(days, mv.Data)
	}
	d.mu.Unlock()

	d.publish(d.topics.Status, model.StatusMessage{Context: model.ContextWeekDays, UID: uid, Dias: days})
}

func (d *Device) publishStep(flow model.Flow, step model.Step, status model.Status) {
	d.publish(d.topics.Status, model.StatusMessage{Context: string(flow), Step: string(step), Status: string(status)})
}

func (d *Device) publish(topic string, payload any) {
	if _, err := d.pub.Publish(topic, payload); err != nil {
		d.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (d *Device) pause() {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
}

func (d *Device) isRegisteredLocked(kind model.Mode, uid string) bool {
	for _, r := range d.registered[kind] {
		if r == uid {
			return true
		}
	}
	return false
}

// defaultReader presents a fresh card for registrations, except every third
// one repeats the last registered card. Flows cycle through the registry.
func (d *Device) defaultReader(kind model.Mode, registering bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	cards := d.registered[kind]
	if registering {
		if d.reads%3 == 0 && len(cards) > 0 {
			return cards[len(cards)-1]
		}
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if len(cards) == 0 {
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return cards[d.reads%len(cards)]
}

func normalize(uid string) string {
	return strings.ToLower(strings.TrimSpace(uid))
}
