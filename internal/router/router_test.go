package router

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/portaria/internal/metrics"
	"github.com/vmorsell/portaria/pkg/model"
	"go.uber.org/zap/zaptest"
)

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics) {
	m := metrics.New()
	return New(zaptest.NewLogger(t), model.DefaultTopics(), m), m
}

func collect(events *[]model.Event) HandlerFunc {
	return func(ev model.Event) {
		*events = append(*events, ev)
	}
}

func TestRouter_DispatchByTopic(t *testing.T) {
	r, m := newTestRouter(t)

	var status, moves []model.Event
	_, err := r.Register(model.TopicStatus, collect(&status))
	require.NoError(t, err)
	_, err = r.Register(model.TopicMovements, collect(&moves))
	require.NoError(t, err)

	r.Route(model.TopicStatus, []byte(`{"context":"saida","step":"employee","status":"success"}`))
	r.Route(model.TopicMovements, []byte(`{"funcionario":"e1","usuario":"s1","data":"05/01/2024","hora":"08:00"}`))

	require.Len(t, status, 1)
	assert.Equal(t, model.FlowStatus{Flow: model.FlowExit, Step: model.StepEmployee, Status: model.StatusSuccess}, status[0])
	require.Len(t, moves, 1)
	assert.IsType(t, model.Movement{}, moves[0])
	assert.Equal(t, 0.0, testutil.ToFloat64(m.MessagesMalformed.WithLabelValues(model.TopicStatus)))
}

func TestRouter_PreservesOrderWithinTopic(t *testing.T) {
	r, _ := newTestRouter(t)

	var got []model.Event
	_, err := r.Register(model.TopicStatus, collect(&got))
	require.NoError(t, err)

	for _, s := range []string{"waiting", "error", "waiting", "success"} {
		r.Route(model.TopicStatus, []byte(`{"context":"cadastro","status":"`+s+`"}`))
	}

	var statuses []model.Status
	for _, ev := range got {
		statuses = append(statuses, ev.(model.RegistrationStatus).Status)
	}
	assert.Equal(t, []model.Status{model.StatusWaiting, model.StatusError, model.StatusWaiting, model.StatusSuccess}, statuses)
}

func TestRouter_MalformedDropped(t *testing.T) {
	r, m := newTestRouter(t)

	called := false
	_, err := r.Register(model.TopicInside, func(model.Event) { called = true })
	require.NoError(t, err)

	for _, raw := range []string{"", "{", "garbage", "[]", `{"itens":"nope"}`} {
		assert.NotPanics(t, func() { r.Route(model.TopicInside, []byte(raw)) })
	}
	assert.False(t, called)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MessagesMalformed.WithLabelValues(model.TopicInside)))
}

func TestRouter_UnknownTopicAndContextIgnored(t *testing.T) {
	r, m := newTestRouter(t)

	called := false
	_, err := r.Register(model.TopicStatus, func(model.Event) { called = true })
	require.NoError(t, err)

	r.Route("portaria/other", []byte(`{"context":"cadastro","status":"success"}`))
	r.Route(model.TopicStatus, []byte(`{"context":"biblioteca","status":"success"}`))

	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesIgnored.WithLabelValues("portaria/other", "unknown topic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesIgnored.WithLabelValues(model.TopicStatus, "unknown context")))
}

func TestRouter_Unregister(t *testing.T) {
	r, _ := newTestRouter(t)

	var a, b []model.Event
	removeA, err := r.Register(model.TopicStatus, collect(&a))
	require.NoError(t, err)
	_, err = r.Register(model.TopicStatus, collect(&b))
	require.NoError(t, err)

	raw := []byte(`{"context":"entrada","step":"parent","status":"waiting"}`)
	r.Route(model.TopicStatus, raw)
	removeA()
	removeA()
	r.Route(model.TopicStatus, raw)

	assert.Len(t, a, 1)
	assert.Len(t, b, 2)

	r2, m2 := newTestRouter(t)
	remove, err := r2.Register(model.TopicMovements, func(model.Event) {})
	require.NoError(t, err)
	remove()
	r2.Route(model.TopicMovements, []byte(`{"usuario":"s1","data":"05/01/2024"}`))
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.MessagesIgnored.WithLabelValues(model.TopicMovements, "no handler")))
}

func TestRouter_IncompleteMovementDropped(t *testing.T) {
	r, m := newTestRouter(t)
	var moves []model.Event
	_, err := r.Register(model.TopicMovements, collect(&moves))
	require.NoError(t, err)

	r.Route(model.TopicMovements, []byte(`{}`))
	r.Route(model.TopicMovements, []byte(`{"funcionario":"e1","hora":"08:00"}`))

	assert.Empty(t, moves)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesIgnored.WithLabelValues(model.TopicMovements, "missing fields")))
}

func TestRouter_RegisterUnknownTopic(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Register(model.TopicCommands, func(model.Event) {})
	assert.True(t, errors.Is(err, ErrUnknownTopic))
}

func TestRouter_CustomTopics(t *testing.T) {
	topics := model.DefaultTopics()
	topics.Status = "escola/status"
	r := New(zaptest.NewLogger(t), topics, nil)

	var got []model.Event
	_, err := r.Register("escola/status", collect(&got))
	require.NoError(t, err)

	r.Route("escola/status", []byte(`{"context":"cadastro","status":"success"}`))
	r.Route(model.TopicStatus, []byte(`{"context":"cadastro","status":"success"}`))
	assert.Len(t, got, 1)
}

func TestRouter_HandlerPanicContained(t *testing.T) {
	r, _ := newTestRouter(t)

	var after []model.Event
	_, err := r.Register(model.TopicStatus, func(model.Event) { panic("boom") })
	require.NoError(t, err)
	_, err = r.Register(model.TopicStatus, collect(&after))
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		r.Route(model.TopicStatus, []byte(`{"context":"cadastro","status":"success"}`))
	})
	assert.Len(t, after, 1)
}
