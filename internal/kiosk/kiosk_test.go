package kiosk

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/internal/router"
	"github.com/vmorsell/portaria/internal/screen"
	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	refs      map[string]int
	hooks     map[int]func()
	nextID    int
	subErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{refs: make(map[string]int), hooks: make(map[int]func())}
}

func (f *fakeConn) Subscribe(topic string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.refs[topic]++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.refs[topic]--
		if f.refs[topic] == 0 {
			delete(f.refs, topic)
		}
	}, nil
}

func (f *fakeConn) OnConnect(fn func()) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.hooks[id] = fn
	connected := f.connected
	f.mu.Unlock()
	if connected {
		fn()
	}
	return func() {
		f.mu.Lock()
		delete(f.hooks, id)
		f.mu.Unlock()
	}
}

func (f *fakeConn) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.Status{State: transport.StateConnected}
	}
	return transport.Status{State: transport.StateConnecting}
}

func (f *fakeConn) OnStateChange(func(transport.Status)) func() {
	return func() {}
}

func (f *fakeConn) connect() {
	f.mu.Lock()
	f.connected = true
	hooks := make([]func(), 0, len(f.hooks))
	for _, h := range f.hooks {
		hooks = append(hooks, h)
	}
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (f *fakeConn) subscribed() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.refs))
	for k, v := range f.refs {
		out[k] = v
	}
	return out
}

type fakeCommander struct {
	mu    sync.Mutex
	kinds []model.CommandKind
}

func (f *fakeCommander) Emit(kind model.CommandKind, _ command.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	return nil
}

func (f *fakeCommander) sent() []model.CommandKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CommandKind{}, f.kinds...)
}

func newTestKiosk(t *testing.T) (*Kiosk, *fakeConn, *router.Router, *fakeCommander) {
	logger := zaptest.NewLogger(t)
	topics := model.DefaultTopics()
	conn := newFakeConn()
	r := router.New(logger, topics, nil)
	cmd := &fakeCommander{}
	return New(logger, conn, r, topics, cmd), conn, r, cmd
}

func TestKiosk_UnknownScreen(t *testing.T) {
	k, _, _, _ := newTestKiosk(t)

	_, err := k.Mount("recepcao")
	assert.True(t, errors.Is(err, ErrUnknownScreen))
	assert.Equal(t, []string{"cadastro", "dashboard", "entrada", "saida"}, k.Names())
}

func TestKiosk_MountSubscribesAndRoutes(t *testing.T) {
	k, conn, r, _ := newTestKiosk(t)

	release, err := k.Mount(screen.NameRegistration)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{model.TopicStatus: 1}, conn.subscribed())

	r.Route(model.TopicStatus, []byte(`{"context":"cadastro","status":"success"}`))
	assert.Equal(t, model.StatusSuccess, k.Registration().State().Status)

	release()
	assert.Empty(t, conn.subscribed())
	assert.Equal(t, 0, k.Mounted(screen.NameRegistration))

	// no handler left; state stays where it was
	r.Route(model.TopicStatus, []byte(`{"context":"cadastro","status":"error"}`))
	assert.Equal(t, model.StatusSuccess, k.Registration().State().Status)
}

func TestKiosk_MountIsRefcounted(t *testing.T) {
	k, conn, _, _ := newTestKiosk(t)

	r1, err := k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	r2, err := k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	assert.Equal(t, 2, k.Mounted(screen.NameDashboard))
	assert.Equal(t, 1, conn.subscribed()[model.TopicMovements])

	r1()
	r1()
	assert.Equal(t, 1, k.Mounted(screen.NameDashboard))
	assert.NotEmpty(t, conn.subscribed())

	r2()
	assert.Empty(t, conn.subscribed())
}

func TestKiosk_SharedTopicAcrossScreens(t *testing.T) {
	k, conn, r, _ := newTestKiosk(t)

	rel1, err := k.Mount(screen.NameEntry)
	require.NoError(t, err)
	rel2, err := k.Mount(screen.NameExit)
	require.NoError(t, err)
	assert.Equal(t, 2, conn.subscribed()[model.TopicStatus])

	r.Route(model.TopicStatus, []byte(`{"context":"saida","step":"employee","status":"success"}`))
	assert.True(t, k.Exit().State().Steps[1].Enabled)
	assert.False(t, k.Entry().State().Steps[1].Enabled)

	rel1()
	assert.Equal(t, 1, conn.subscribed()[model.TopicStatus])
	rel2()
	assert.Empty(t, conn.subscribed())
}

func TestKiosk_ConnectHooks(t *testing.T) {
	k, conn, _, cmd := newTestKiosk(t)

	release, err := k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	assert.Empty(t, cmd.sent())

	conn.connect()
	assert.Equal(t, []model.CommandKind{model.CommandGetHistory, model.CommandGetInsideToday}, cmd.sent())

	conn.connect()
	assert.Equal(t, []model.CommandKind{
		model.CommandGetHistory,
		model.CommandGetInsideToday,
		model.CommandGetInsideToday,
	}, cmd.sent())

	release()
	conn.connect()
	assert.Len(t, cmd.sent(), 3)

	// a new mount replays history again
	_, err = k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	assert.Equal(t, model.CommandGetHistory, cmd.sent()[3])
}

func TestKiosk_ReconnectKeepsFlowProgress(t *testing.T) {
	k, conn, r, cmd := newTestKiosk(t)

	_, err := k.Mount(screen.NameEntry)
	require.NoError(t, err)
	conn.connect()
	require.Equal(t, []model.CommandKind{model.CommandStartEntry}, cmd.sent())

	r.Route(model.TopicStatus, []byte(`{"context":"entrada","step":"parent","status":"success"}`))
	conn.connect()

	assert.Equal(t, []model.CommandKind{model.CommandStartEntry}, cmd.sent())
	assert.Equal(t, model.StatusSuccess, k.Entry().State().Steps[0].Status)
	assert.True(t, k.Entry().State().Steps[1].Enabled)
}

func TestKiosk_MountResetsScreen(t *testing.T) {
	k, _, r, _ := newTestKiosk(t)

	release, err := k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	r.Route(model.TopicMovements, []byte(`{"funcionario":"e1","usuario":"s1","data":"10/01/2024","hora":"08:00"}`))
	require.Len(t, k.Dashboard().State().Movements, 1)
	release()

	_, err = k.Mount(screen.NameDashboard)
	require.NoError(t, err)
	assert.Empty(t, k.Dashboard().State().Movements)
}

func TestKiosk_SubscribeFailureUndoes(t *testing.T) {
	k, conn, r, _ := newTestKiosk(t)
	conn.subErr = transport.ErrClosed

	_, err := k.Mount(screen.NameEntry)
	assert.True(t, errors.Is(err, transport.ErrClosed))
	assert.Equal(t, 0, k.Mounted(screen.NameEntry))

	r.Route(model.TopicStatus, []byte(`{"context":"entrada","step":"parent","status":"success"}`))
	assert.Equal(t, model.StatusWaiting, k.Entry().State().Steps[0].Status)
}
