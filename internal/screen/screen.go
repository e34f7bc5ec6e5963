// Package screen holds the view state of the kiosk screens.
//
// Each screen reduces decoded device events into its own state and hands out
// immutable snapshots. Operator actions update local state and emit the
// matching command; the device's status messages are the only confirmation.
package screen

import (
	"errors"
	"sort"
	"sync"

	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/pkg/model"
)

const (
	NameRegistration = "cadastro"
	NameEntry        = "entrada"
	NameExit         = "saida"
	NameDashboard    = "dashboard"
)

var (
	ErrInvalidMode    = errors.New("invalid registration mode")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidStep    = errors.New("invalid step")
	ErrStepNotEnabled = errors.New("step waits for the previous one")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Commander publishes operator commands.
type Commander interface {
	Emit(kind model.CommandKind, p command.Params) error
}

type Screen interface {
	Name() string
	// Topics lists the broker topics the screen needs while mounted.
	Topics(t model.Topics) []string
	// Apply reduces ev into the state and reports whether anything changed.
	Apply(ev model.Event) bool
	// Connected runs after every broker (re)connect while mounted; first is
	// true for the first connect of the current mount.
	Connected(first bool)
	Reset()
	Snapshot() any
	OnChange(fn func()) func()
}

type notifier struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

// OnChange registers fn to run after every state change.
func (n *notifier) OnChange(fn func()) func() {
	n.mu.Lock()
	if n.fns == nil {
		n.fns = make(map[int]func())
	}
	id := n.nextID
	n.nextID++
	n.fns[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.fns, id)
		n.mu.Unlock()
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	ids := make([]int, 0, len(n.fns))
	for id := range n.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), len(ids))
	for i, id := range ids {
		fns[i] = n.fns[id]
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
