//go:build integration

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openremote/openremote-sub007/natsclient"
)

func TestNATSBus_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	bus := NewNATSBus(tc.Client, nil)
	ctx := context.Background()

	received := make(chan ConnectionStatus, 1)
	unsubscribe, err := bus.SubscribeStatus(ctx, "building", func(_ context.Context, s ConnectionStatus) {
		received <- s
	})
	require.NoError(t, err)
	defer func() { _ = unsubscribe() }()

	require.NoError(t, bus.PublishStatus(ctx, ConnectionStatus{Realm: "building", Status: "CONNECTED", Timestamp: time.Now()}))

	select {
	case s := <-received:
		require.Equal(t, "CONNECTED", s.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("status event not received")
	}
}
