package broker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/medconsult/internal/apperr"
)

func newTestRedis(t *testing.T, srv *miniredis.Miniredis) *Redis {
	t.Helper()
	b, err := NewRedis(context.Background(), RedisOpts{
		URL:           "redis://" + srv.Addr(),
		ChannelPrefix: "medconsult:",
		Logger:        logs.GetLoggerFromLevel(slog.LevelDebug),
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRedis_FanOutAcrossProcesses(t *testing.T) {
	req := require.New(t)
	srv := miniredis.RunT(t)

	nodeA := newTestRedis(t, srv)
	nodeB := newTestRedis(t, srv)

	topic := ConsultationTopic("c-1")
	onA := newCollector("on-a")
	onB := newCollector("on-b")
	req.NoError(nodeA.Subscribe(topic, onA))
	req.NoError(nodeB.Subscribe(topic, onB))
	req.Equal(1, nodeA.Subscribers(topic))

	for _, p := range []string{"one", "two", "three"} {
		req.NoError(nodeA.Publish(context.Background(), topic, []byte(p)))
	}

	want := []string{"one", "two", "three"}
	req.Equal(want, onA.wait(t, 3))
	req.Equal(want, onB.wait(t, 3))
}

func TestRedis_TopicIsolation(t *testing.T) {
	req := require.New(t)
	srv := miniredis.RunT(t)
	b := newTestRedis(t, srv)

	chat := newCollector("chat")
	user := newCollector("user")
	req.NoError(b.Subscribe(ConsultationTopic("c-1"), chat))
	req.NoError(b.Subscribe(UserTopic("u-1"), user))

	req.NoError(b.Publish(context.Background(), UserTopic("u-1"), []byte("notice")))
	req.Equal([]string{"notice"}, user.wait(t, 1))
	chat.expectNone(t, 100*time.Millisecond)

	b.UnsubscribeAll(user)
	req.Equal(0, b.Subscribers(UserTopic("u-1")))
}

func TestRedis_IgnoresForeignPrefix(t *testing.T) {
	req := require.New(t)
	srv := miniredis.RunT(t)
	b := newTestRedis(t, srv)

	s := newCollector("s")
	req.NoError(b.Subscribe("user:u-1", s))

	srv.Publish("other-app:user:u-1", "nope")
	s.expectNone(t, 100*time.Millisecond)

	srv.Publish("medconsult:user:u-1", "yes")
	req.Equal([]string{"yes"}, s.wait(t, 1))
}

func TestRedis_PublishQueueFull(t *testing.T) {
	r := &Redis{queue: make(chan envelope, 1), log: discardLogger()}

	require.NoError(t, r.Publish(context.Background(), "t", []byte("a")))
	err := r.Publish(context.Background(), "t", []byte("b"))
	require.True(t, errors.Is(err, apperr.ErrBrokerUnavailable), "err = %v", err)
}

func TestRedis_Close(t *testing.T) {
	req := require.New(t)
	srv := miniredis.RunT(t)
	b, err := NewRedis(context.Background(), RedisOpts{URL: "redis://" + srv.Addr()})
	req.NoError(err)

	req.NoError(b.Close())
	req.NoError(b.Close())
	err = b.Publish(context.Background(), "t", []byte("x"))
	req.True(errors.Is(err, apperr.ErrBrokerUnavailable), "err = %v", err)
}

func TestNewRedis_Errors(t *testing.T) {
	req := require.New(t)

	_, err := NewRedis(context.Background(), RedisOpts{})
	req.ErrorContains(err, "redis url is required")

	_, err = NewRedis(context.Background(), RedisOpts{URL: "not a url"})
	req.ErrorContains(err, "parse redis url")

	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	_, err = NewRedis(context.Background(), RedisOpts{URL: "redis://" + addr})
	req.ErrorContains(err, "redis ping")
}
