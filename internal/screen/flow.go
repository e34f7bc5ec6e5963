package screen

import (
	"fmt"
	"sync"

	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/pkg/model"
)

const (
	GlobalSuccess    = "success"
	GlobalInProgress = "in progress"
)

type StepState struct {
	Step model.Step `json:"step"`
	// Status is the last status tracked for the step.
	Status model.Status `json:"status"`
	// Enabled is false while the previous step has not succeeded.
	Enabled bool `json:"enabled"`
	// Displayed is Status, or idle while the step is not enabled.
	Displayed model.Status `json:"displayed"`
}

type FlowState struct {
	Flow         model.Flow   `json:"flow"`
	Steps        [2]StepState `json:"steps"`
	AllConfirmed bool         `json:"allConfirmed"`
	Global       string       `json:"global"`
}

// Flow is a two-step gated confirmation: the second card only counts once
// the first one succeeded. Entry reads the parent first, exit the employee.
type Flow struct {
	notifier
	cmd   Commander
	name  string
	flow  model.Flow
	start model.CommandKind
	order [2]model.Step

	mu       sync.Mutex
	statuses [2]model.Status
}

func NewEntry(cmd Commander) *Flow {
	return newFlow(cmd, NameEntry, model.FlowEntry, model.CommandStartEntry, model.StepParent, model.StepEmployee)
}

func NewExit(cmd Commander) *Flow {
	return newFlow(cmd, NameExit, model.FlowExit, model.CommandStartExit, model.StepEmployee, model.StepParent)
}

func newFlow(cmd Commander, name string, flow model.Flow, start model.CommandKind, first, second model.Step) *Flow {
	f := &Flow{
		cmd:   cmd,
		name:  name,
		flow:  flow,
		start: start,
		order: [2]model.Step{first, second},
	}
	f.statuses = initialStatuses()
	return f
}

func initialStatuses() [2]model.Status {
	return [2]model.Status{model.StatusWaiting, model.StatusIdle}
}

func (f *Flow) Name() string {
	return f.name
}

func (f *Flow) Topics(t model.Topics) []string {
	return []string{t.Status}
}

// Start restarts the flow and asks the device to begin reading cards.
func (f *Flow) Start() error {
	f.Reset()
	return f.cmd.Emit(f.start, command.Params{})
}

// Connected starts the flow on the first connect of a mount. A reconnect
// restarts it only while no step has succeeded; otherwise the progress
// survives the drop.
func (f *Flow) Connected(first bool) {
	if !first && f.progressed() {
		return
	}
	// publish failures are logged by the emitter
	_ = f.Start()
}

func (f *Flow) progressed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[0] == model.StatusSuccess || f.statuses[1] == model.StatusSuccess
}

// Apply accepts status events for either step, including a second step
// that is not enabled yet; only the displayed status is gated.
func (f *Flow) Apply(ev model.Event) bool {
	e, ok := ev.(model.FlowStatus)
	if !ok || e.Flow != f.flow {
		return false
	}
	idx := f.index(e.Step)
	if idx < 0 {
		return false
	}

	f.mu.Lock()
	if f.statuses[idx] == e.Status {
		f.mu.Unlock()
		return false
	}
	f.statuses[idx] = e.Status
	f.mu.Unlock()

	f.notify()
	return true
}

// Simulate sets a step's status locally. A step that is not enabled cannot
// be simulated, and a first-step success wakes an idle second step.
func (f *Flow) Simulate(step model.Step, status model.Status) error {
	idx := f.index(step)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidStep, step)
	}
	if status != model.StatusSuccess && status != model.StatusError {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	f.mu.Lock()
	if idx == 1 && f.statuses[0] != model.StatusSuccess {
		f.mu.Unlock()
		return ErrStepNotEnabled
	}
	f.statuses[idx] = status
	if idx == 0 && status == model.StatusSuccess && f.statuses[1] == model.StatusIdle {
		f.statuses[1] = model.StatusWaiting
	}
	f.mu.Unlock()

	f.notify()
	return nil
}

func (f *Flow) Reset() {
	f.mu.Lock()
	f.statuses = initialStatuses()
	f.mu.Unlock()
	f.notify()
}

func (f *Flow) State() FlowState {
	f.mu.Lock()
	statuses := f.statuses
	f.mu.Unlock()

	s := FlowState{Flow: f.flow}
	for i, step := range f.order {
		enabled := i == 0 || statuses[0] == model.StatusSuccess
		displayed := statuses[i]
		if !enabled {
			displayed = model.StatusIdle
		}
		s.Steps[i] = StepState{Step: step, Status: statuses[i], Enabled: enabled, Displayed: displayed}
	}
	s.AllConfirmed = statuses[0] == model.StatusSuccess && statuses[1] == model.StatusSuccess
	s.Global = GlobalInProgress
	if s.AllConfirmed {
		s.Global = GlobalSuccess
	}
	return s
}

func (f *Flow) Snapshot() any {
	return f.State()
}

func (f *Flow) index(step model.Step) int {
	for i, s := range f.order {
		if s == step {
			return i
		}
	}
	return -1
}
