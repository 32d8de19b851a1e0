package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arcanafx/effects-server-go/internal/events"
	"github.com/arcanafx/effects-server-go/internal/triggers"
)

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisNotifier_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := newRedisNotifier(pub, "", zap.NewNop())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	err := n.Notify(context.Background(), triggers.Notification{
		TriggerID:  "7",
		EventType:  events.TypeSystemAlert,
		Parameters: map[string]any{"message": "reactor hot"},
		EventData:  map[string]any{"severity": "critical"},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, pub.channel)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.message, &msg))
	assert.Equal(t, "7", msg.TriggerID)
	assert.Equal(t, "system_alert", msg.EventType)
	assert.Equal(t, "reactor hot", msg.Parameters["message"])
	assert.Equal(t, "critical", msg.EventData["severity"])
	assert.True(t, fixed.Equal(msg.SentAt))
}

func TestRedisNotifier_ChannelOverrideAndFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	n := newRedisNotifier(pub, "ops", zap.NewNop())

	err := n.Notify(context.Background(), triggers.Notification{
		TriggerID:  "1",
		Parameters: map[string]any{ParamChannel: "alerts"},
	})
	assert.ErrorIs(t, err, ErrNotificationFailed)
	assert.Equal(t, "alerts", pub.channel)
	assert.NoError(t, n.Close())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), triggers.Notification{TriggerID: "3", EventType: events.TypeUserAction}))
	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "3", entries[0].ContextMap()["trigger_id"])
}

func TestHTTPCaller_DefaultBody(t *testing.T) {
	var got map[string]any
	var method, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second, zap.NewNop())
	err := caller.Call(context.Background(), triggers.APICall{
		TriggerID: "9",
		EventType: events.TypeEffectCreated,
		Parameters: map[string]any{
			ParamURL:     srv.URL + "/hook",
			ParamHeaders: map[string]any{"Authorization": "Bearer t"},
		},
		EventData: map[string]any{"id": "fx1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "Bearer t", auth)
	assert.Equal(t, "9", got["trigger_id"])
	assert.Equal(t, "effect_created", got["event_type"])
	assert.Equal(t, map[string]any{"id": "fx1"}, got["event_data"])
}

func TestHTTPCaller_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second, zap.NewNop(), WithMaxRetries(5), WithInitialDelay(time.Millisecond))
	err := caller.Call(context.Background(), triggers.APICall{Parameters: map[string]any{ParamURL: srv.URL}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPCaller_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second, zap.NewNop(), WithMaxRetries(2), WithInitialDelay(time.Millisecond))
	err := caller.Call(context.Background(), triggers.APICall{Parameters: map[string]any{ParamURL: srv.URL}})
	assert.ErrorIs(t, err, ErrAPICallFailed)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadGateway, serr.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPCaller_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	caller := NewHTTPCaller(time.Second, zap.NewNop(), WithMaxRetries(5), WithInitialDelay(time.Millisecond))
	err := caller.Call(context.Background(), triggers.APICall{Parameters: map[string]any{
		ParamURL:    srv.URL,
		ParamMethod: "get",
	}})
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPCaller_RejectsBadURL(t *testing.T) {
	caller := NewHTTPCaller(0, nil)
	for _, u := range []any{nil, "", "/relative", "not a url"} {
		err := caller.Call(context.Background(), triggers.APICall{Parameters: map[string]any{ParamURL: u}})
		assert.ErrorIs(t, err, triggers.ErrInvalidAction, "%v", u)
	}
}
