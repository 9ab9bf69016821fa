package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhub/keyhub/internal/domain/notification"
)

func TestPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewClient(ctx, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	pub := NewPublisher(client, "", zerolog.Nop())
	defer pub.Close()
	assert.Equal(t, "keyhub:events", pub.Channel())

	sub := client.Subscribe(ctx, pub.Channel())
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	holder := uuid.New()
	ev := notification.NewEvent(notification.EventRequestUpdated, uuid.New(), &holder, "approved", map[string]string{"purpose": "audit"})
	require.NoError(t, pub.Publish(ctx, ev))

	select {
	case msg := <-sub.Channel():
		var got notification.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, notification.EventRequestUpdated, got.Type)
		require.NotNil(t, got.UserID)
		assert.Equal(t, holder, *got.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestPublisher_PublishFailsWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := NewClient(ctx, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	pub := NewPublisher(client, "events", zerolog.Nop())
	defer pub.Close()

	mr.Close()
	err = pub.Publish(ctx, notification.NewEvent(notification.EventKeyUpdated, uuid.New(), nil, "available", nil))
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewClient(ctx, Options{Addr: addr})
	assert.Error(t, err)
}
