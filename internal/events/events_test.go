package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/frame-acquisition/internal/persist"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                     { return !t.timeout }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

// fakeClient records publishes. Methods the emitter never calls are left to
// the embedded nil interface.
type fakeClient struct {
	mqtt.Client

	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	token    fakeToken
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return c.token
}

func (c *fakeClient) Disconnect(uint) {}

func TestNew_StampsEvent(t *testing.T) {
	ev := New(TypeStateChanged, "run-1", map[string]any{"to": "running"})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "run-1", ev.RunID)
	assert.WithinDuration(t, time.Now(), ev.Time, time.Second)

	data, err := ev.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "state_changed", decoded["type"])
}

func TestMQTTEmitter_PublishesToTypedTopic(t *testing.T) {
	client := &fakeClient{}
	e := newWithClient(MQTTConfig{Topic: "plant/cam1"}, client)

	require.NoError(t, e.Emit(context.Background(), New(TypeExposureUnreachable, "r", nil)))

	require.Len(t, client.topics, 1)
	assert.Equal(t, "plant/cam1/exposure_unreachable", client.topics[0])
	assert.Equal(t, uint64(1), e.Stats().Published["plant/cam1/exposure_unreachable"])
}

func TestMQTTEmitter_Errors(t *testing.T) {
	client := &fakeClient{token: fakeToken{err: errors.New("broker gone")}}
	e := newWithClient(MQTTConfig{Topic: "t"}, client)
	assert.Error(t, e.Emit(context.Background(), New(TypeStageFailed, "r", nil)))

	client.token = fakeToken{timeout: true}
	assert.Error(t, e.Emit(context.Background(), New(TypeStageFailed, "r", nil)))

	e.Disconnect()
	assert.Error(t, e.Emit(context.Background(), New(TypeStageFailed, "r", nil)))
	assert.Equal(t, uint64(3), e.Stats().Errors)
}

func TestNewMQTTEmitter_Validation(t *testing.T) {
	_, err := NewMQTTEmitter(MQTTConfig{})
	assert.Error(t, err)

	e, err := NewMQTTEmitter(MQTTConfig{Broker: "localhost:1883", ClientID: "acq"})
	require.NoError(t, err)
	assert.Equal(t, "acquisition/events", e.cfg.Topic)
	assert.False(t, e.Stats().Connected)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestFrameRecorder(t *testing.T) {
	client := &fakeClient{}
	e := newWithClient(MQTTConfig{Topic: "t"}, client)
	rec := FrameRecorder{Sink: e, RunID: "run-7"}

	require.NoError(t, rec.Record(context.Background(), persist.Record{Key: "1.png", Seq: 5, Counter: 5}))
	require.Len(t, client.payloads, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(client.payloads[0], &ev))
	assert.Equal(t, TypeFramePersisted, ev.Type)
	assert.Equal(t, "run-7", ev.RunID)
	assert.Equal(t, "1.png", ev.Data["key"])
}
