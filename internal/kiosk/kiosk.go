// Package kiosk wires the screens to the broker session.
//
// A screen is mounted while at least one view shows it. The first mount
// resets the screen, routes its topics to it, subscribes them and installs
// its on-connect hook; the last release undoes all of that.
package kiosk

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vmorsell/portaria/internal/router"
	"github.com/vmorsell/portaria/internal/screen"
	"github.com/vmorsell/portaria/internal/transport"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap"
)

var ErrUnknownScreen = errors.New("unknown screen")

// Conn is the part of transport.Connection the kiosk uses.
type Conn interface {
	Subscribe(topic string) (func(), error)
	OnConnect(fn func()) func()
	Status() transport.Status
	OnStateChange(fn func(transport.Status)) func()
}

type mount struct {
	refs     int
	teardown []func()
}

type Kiosk struct {
	logger *zap.Logger
	conn   Conn
	router *router.Router
	topics model.Topics

	registration *screen.Registration
	entry        *screen.Flow
	exit         *screen.Flow
	dashboard    *screen.Dashboard
	screens      map[string]screen.Screen

	mu     sync.Mutex
	mounts map[string]*mount
}

func New(logger *zap.Logger, conn Conn, r *router.Router, topics model.Topics, cmd screen.Commander, opts ...screen.DashboardOption) *Kiosk {
	k := &Kiosk{
		logger:       logger.With(zap.String("component", "kiosk")),
		conn:         conn,
		router:       r,
		topics:       topics,
		registration: screen.NewRegistration(cmd),
		entry:        screen.NewEntry(cmd),
		exit:         screen.NewExit(cmd),
		dashboard:    screen.NewDashboard(cmd, opts...),
		mounts:       make(map[string]*mount),
	}
	k.screens = map[string]screen.Screen{
		screen.NameRegistration: k.registration,
		screen.NameEntry:        k.entry,
		screen.NameExit:         k.exit,
		screen.NameDashboard:    k.dashboard,
	}
	return k
}

func (k *Kiosk) Registration() *screen.Registration { return k.registration }
func (k *Kiosk) Entry() *screen.Flow { return k.entry }
func (k *Kiosk) Exit() *screen.Flow { return k.exit }
func (k *Kiosk) Dashboard() *screen.Dashboard { return k.dashboard }

func (k *Kiosk) Screen(name string) (screen.Screen, error) {
	s, ok := k.screens[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScreen, name)
	}
	return s, nil
}

func (k *Kiosk) Names() []string {
	names := make([]string, 0, len(k.screens))
	for name := range k.screens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (k *Kiosk) Status() transport.Status {
	return k.conn.Status()
}

func (k *Kiosk) OnStateChange(fn func(transport.Status)) func() {
	return k.conn.OnStateChange(fn)
}

// Mounted reports how many views hold the screen.
func (k *Kiosk) Mounted(name string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.mounts[name]; ok {
		return m.refs
	}
	return 0
}

// Mount holds the screen until the returned release is called.
func (k *Kiosk) Mount(name string) (func(), error) {
	s, err := k.Screen(name)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if m, ok := k.mounts[name]; ok {
		m.refs++
		return k.releaser(name), nil
	}

	teardown, err := k.setup(s)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", name, err)
	}
	k.mounts[name] = &mount{refs: 1, teardown: teardown}
	k.logger.Info("screen mounted", zap.String("screen", name))
	return k.releaser(name), nil
}

func (k *Kiosk) setup(s screen.Screen) ([]func(), error) {
	s.Reset()

	var teardown []func()
	undo := func() {
		for i := len(teardown) - 1; i >= 0; i-- {
			teardown[i]()
		}
	}

	topics := s.Topics(k.topics)
	for _, topic := range topics {
		remove, err := k.router.Register(topic, func(ev model.Event) { s.Apply(ev) })
		if err != nil {
			undo()
			return nil, fmt.Errorf("register handler: %w", err)
		}
		teardown = append(teardown, remove)
	}
	for _, topic := range topics {
		release, err := k.conn.Subscribe(topic)
		if err != nil {
			undo()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		teardown = append(teardown, release)
	}

	var (
		mu    sync.Mutex
		first = true
	)
	remove := k.conn.OnConnect(func() {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		s.Connected(isFirst)
	})
	teardown = append(teardown, remove)
	return teardown, nil
}

func (k *Kiosk) releaser(name string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { k.release(name) })
	}
}

func (k *Kiosk) release(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.mounts[name]
	if !ok {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	for i := len(m.teardown) - 1; i >= 0; i-- {
		m.teardown[i]()
	}
	delete(k.mounts, name)
	k.logger.Info("screen unmounted", zap.String("screen", name))
}
