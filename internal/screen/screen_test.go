package screen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/pkg/model"
)

type emitted struct {
	kind   model.CommandKind
	params command.Params
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []emitted
	err   error
}

func (f *fakeCommander) Emit(kind model.CommandKind, p command.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, emitted{kind, p})
	return f.err
}

func (f *fakeCommander) kinds() []model.CommandKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.CommandKind, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

func TestNotifier_OrderAndRelease(t *testing.T) {
	var n notifier
	var got []int
	n.OnChange(func() { got = append(got, 1) })
	release := n.OnChange(func() { got = append(got, 2) })
	n.OnChange(func() { got = append(got, 3) })

	n.notify()
	release()
	n.notify()

	assert.Equal(t, []int{1, 2, 3, 1, 3}, got)
}

func TestScreens_ImplementScreen(t *testing.T) {
	cmd := &fakeCommander{}
	screens := []Screen{NewRegistration(cmd), NewEntry(cmd), NewExit(cmd), NewDashboard(cmd)}
	names := make([]string, len(screens))
	for i, s := range screens {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{NameRegistration, NameEntry, NameExit, NameDashboard}, names)

	topics := model.DefaultTopics()
	assert.Equal(t, []string{topics.Status}, screens[0].Topics(topics))
	assert.Equal(t, []string{topics.Movements, topics.Inside, topics.Status}, screens[3].Topics(topics))
}
