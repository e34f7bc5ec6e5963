package transport

import (
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// NewFakeConnection dials a Connection over an in-memory broker client.
func NewFakeConnection(t *testing.T, queue int, sink Handler) (*Connection, *fakeClient) {
	t.Helper()
	fc := &fakeClient{}
	c, err := Dial(zaptest.NewLogger(t), Options{BrokerURL: "ws://broker:9001", QueueSize: queue}, sink,
		withClientFactory(func(*mqtt.ClientOptions) brokerClient { return fc }))
	require.NoError(t, err)
	return c, fc
}

func (c *Connection) Connect()       { c.handleConnect() }
func (c *Connection) Drop(err error) { c.handleConnectionLost(err) }

func (f *fakeClient) Bodies(topic string) []string {
	_, _, pubs, _ := f.snapshot()
	var out []string
	for _, p := range pubs {
		if p.topic == topic {
			out = append(out, p.body)
		}
	}
	return out
}
