package screen

import (
	"fmt"
	"sync"

	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/pkg/model"
)

type RegistrationState struct {
	Mode   model.Mode   `json:"mode"`
	Status model.Status `json:"status"`
}

// Registration is the card registration screen:
// idle -selectMode-> waiting -device-> success|exists|error, and back to
// waiting whenever the device starts a new attempt.
type Registration struct {
	notifier
	cmd Commander

	mu    sync.Mutex
	state RegistrationState
}

func NewRegistration(cmd Commander) *Registration {
	return &Registration{
		cmd:   cmd,
		state: RegistrationState{Status: model.StatusIdle},
	}
}

func (r *Registration) Name() string {
	return NameRegistration
}

func (r *Registration) Topics(t model.Topics) []string {
	return []string{t.Status}
}

// SelectMode starts a registration of the given kind. The state moves to
// waiting even if the command could not be sent right away.
func (r *Registration) SelectMode(mode model.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	r.mu.Lock()
	r.state = RegistrationState{Mode: mode, Status: model.StatusWaiting}
	r.mu.Unlock()
	r.notify()

	return r.cmd.Emit(model.CommandStartRegister, command.Params{Mode: mode})
}

// Simulate sets the status locally without the device.
func (r *Registration) Simulate(status model.Status) error {
	switch status {
	case model.StatusWaiting, model.StatusSuccess, model.StatusExists, model.StatusError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r.setStatus(status)
	return nil
}

func (r *Registration) Apply(ev model.Event) bool {
	e, ok := ev.(model.RegistrationStatus)
	if !ok {
		return false
	}
	return r.setStatus(e.Status)
}

func (r *Registration) setStatus(status model.Status) bool {
	r.mu.Lock()
	if r.state.Status == status {
		r.mu.Unlock()
		return false
	}
	r.state.Status = status
	r.mu.Unlock()

	r.notify()
	return true
}

func (r *Registration) Connected(bool) {}

func (r *Registration) Reset() {
	r.mu.Lock()
	r.state = RegistrationState{Status: model.StatusIdle}
	r.mu.Unlock()
	r.notify()
}

func (r *Registration) State() RegistrationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) Snapshot() any {
	return r.State()
}
