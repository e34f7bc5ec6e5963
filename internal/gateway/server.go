// Package gateway serves the kiosk screens to browser views over WebSocket.
//
// A view connects to /ws/{screen}; while it is open the screen stays mounted.
// The view receives the screen state after every change and the broker
// connection state, and sends operator intents back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmorsell/portaria/internal/command"
	"github.com/vmorsell/portaria/internal/kiosk"
	"github.com/vmorsell/portaria/internal/metrics"
	"github.com/vmorsell/portaria/internal/ratelimit"
	"github.com/vmorsell/portaria/internal/screen"
	"github.com/vmorsell/portaria/internal/transport"
	"go.uber.org/zap"
)

const (
	reasonRateLimited = "rate_limited"
	reasonMalformed   = "malformed"
	reasonUnsupported = "unsupported"
	reasonInvalid     = "invalid"
	reasonPublish     = "publish"
)

var (
	errRateLimited       = errors.New("too many intents, slow down")
	errUnsupportedIntent = errors.New("unsupported intent")
)

type Server struct {
	logger   *zap.Logger
	kiosk    *kiosk.Kiosk
	limiter  *ratelimit.RateLimiter
	metrics  *metrics.Metrics
	hub      *Hub
	upgrader websocket.Upgrader
}

func NewServer(logger *zap.Logger, k *kiosk.Kiosk, limiter *ratelimit.RateLimiter, m *metrics.Metrics) *Server {
	logger = logger.With(zap.String("component", "gateway"))
	return &Server{
		logger:  logger,
		kiosk:   k,
		limiter: limiter,
		metrics: m,
		hub:     NewHub(logger, m),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			// the view is a local kiosk page, often served from another port
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run relays broker connection changes to every view until ctx is done.
func (s *Server) Run(ctx context.Context) {
	stop := s.kiosk.OnStateChange(func(st transport.Status) {
		msg, err := encodeFrame(newConnectionFrame(st))
		if err != nil {
			s.logger.Error("encode connection frame", zap.Error(err))
			return
		}
		s.hub.Broadcast(msg)
	})
	defer stop()

	s.hub.Run(ctx)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/ws/{screen}", s.serveWS)
	return r
}

type health struct {
	Status  string           `json:"status"`
	Broker  transport.Status `json:"broker"`
	Screens []string         `json:"screens"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := health{Status: "ok", Broker: s.kiosk.Status(), Screens: s.kiosk.Names()}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("write health response", zap.Error(err))
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "screen")
	scr, err := s.kiosk.Screen(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade connection", zap.Error(err))
		return
	}

	release, err := s.kiosk.Mount(name)
	if err != nil {
		s.logger.Error("mount screen", zap.String("screen", name), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "mount failed"))
		conn.Close()
		return
	}

	c := &client{
		conn:   conn,
		id:     uuid.NewString(),
		screen: name,
		server: s,
		send:   make(chan []byte, sendBufferSize),
	}
	if !s.hub.add(c) {
		release()
		conn.Close()
		return
	}

	stop := scr.OnChange(func() {
		c.push(stateFrame{Type: FrameState, Screen: name, State: scr.Snapshot()})
	})
	c.push(newConnectionFrame(s.kiosk.Status()))
	c.push(stateFrame{Type: FrameState, Screen: name, State: scr.Snapshot()})

	cleanup := func() {
		stop()
		s.hub.remove(c)
		release()
		s.limiter.Forget(c.id)
	}

	go c.writePump()
	go c.readPump(cleanup)
}

func (s *Server) handleIntent(c *client, raw []byte) error {
	in, err := decodeIntent(raw)
	if err != nil {
		return err
	}

	switch c.screen {
	case screen.NameRegistration:
		reg := s.kiosk.Registration()
		switch in.Type {
		case IntentSelectMode:
			return reg.SelectMode(in.Mode)
		case IntentSimulate:
			return reg.Simulate(in.Status)
		}

	case screen.NameEntry, screen.NameExit:
		flow := s.kiosk.Entry()
		if c.screen == screen.NameExit {
			flow = s.kiosk.Exit()
		}
		switch in.Type {
		case IntentStart:
			return flow.Start()
		case IntentSimulate:
			return flow.Simulate(in.Step, in.Status)
		}

	case screen.NameDashboard:
		dash := s.kiosk.Dashboard()
		switch in.Type {
		case IntentSelectSubject:
			return dash.SelectSubject(in.UID)
		case IntentRefresh:
			return dash.Refresh()
		}
	}
	return fmt.Errorf("%w: %q on %s", errUnsupportedIntent, in.Type, c.screen)
}

func (s *Server) reject(c *client, reason string, err error) {
	s.metrics.RecordIntentRejected(reason)
	s.logger.Debug("intent rejected",
		zap.String("client", c.id),
		zap.String("screen", c.screen),
		zap.String("reason", reason),
		zap.Error(err))
	c.push(errorFrame{Type: FrameError, Error: err.Error()})
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return reasonRateLimited
	case errors.Is(err, errMalformedIntent):
		return reasonMalformed
	case errors.Is(err, errUnsupportedIntent):
		return reasonUnsupported
	case errors.Is(err, screen.ErrInvalidMode),
		errors.Is(err, screen.ErrInvalidStatus),
		errors.Is(err, screen.ErrInvalidStep),
		errors.Is(err, screen.ErrInvalidSubject),
		errors.Is(err, screen.ErrStepNotEnabled),
		errors.Is(err, command.ErrInvalidParams):
		return reasonInvalid
	default:
		return reasonPublish
	}
}
