package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aura-webinar/liveroom/internal/presence"
)

func TestBusDispatch(t *testing.T) {
	c := newTestCoordinator(t, nil, "n1")
	a := connect(t, c, "R", "A")
	bus := NewBus(nil, "n1", nil)

	bus.dispatch(context.Background(), c, []byte(`not json`))
	bus.dispatch(context.Background(), c, []byte(`{"kind":"reboot","roomId":"R"}`))
	if a.isClosed() {
		t.Fatal("unrelated control message closed the room")
	}
	bus.dispatch(context.Background(), c, []byte(`{"kind":"room-ended","roomId":"R","from":"n2"}`))
	if !a.isClosed() {
		t.Error("room-ended did not close local members")
	}
}

func TestBusRoundTrip(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	store := presence.NewRedisStore(client, time.Minute, nil)
	n1 := newTestCoordinator(t, store, "node-1")
	n2 := newTestCoordinator(t, store, "node-2")
	a := connect(t, n1, "bus-room", "A")
	b := connect(t, n2, "bus-room", "B")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bus1 := NewBus(client, "node-1", nil)
	bus2 := NewBus(client, "node-2", nil)
	go func() { _ = bus1.Run(runCtx, n1) }()
	go func() { _ = bus2.Run(runCtx, n2) }()
	time.Sleep(200 * time.Millisecond)

	n1.SetControlPublisher(bus1)
	n1.CloseRoomCluster(ctx, "bus-room")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !(a.isClosed() && b.isClosed()) {
		time.Sleep(20 * time.Millisecond)
	}
	if !a.isClosed() || !b.isClosed() {
		t.Errorf("closed: A=%v B=%v, want both", a.isClosed(), b.isClosed())
	}
	if n, _ := store.Count(ctx, "bus-room"); n != 0 {
		t.Errorf("presence count = %d, want 0", n)
	}
}
