package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ControlChannel carries cluster-wide control messages between coordinators.
	ControlChannel = "live:control"
	publishTimeout = 5 * time.Second
)

// ControlKind names a control message.
type ControlKind string

const (
	ControlRoomEnded ControlKind = "room-ended"
)

// controlPayload is the message published on the control channel.
type controlPayload struct {
	Kind   ControlKind `json:"kind"`
	RoomID string      `json:"roomId"`
	From   string      `json:"from"`
	At     int64       `json:"at"`
}

// Bus is a Redis pub/sub bridge for control messages. It never carries
// signaling frames: those are delivered only by the node holding the connection.
type Bus struct {
	client *redis.Client
	nodeID string
	logger *zap.Logger
}

// NewBus creates a control bus.
func NewBus(client *redis.Client, nodeID string, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, nodeID: nodeID, logger: logger}
}

// PublishRoomEnded asks every coordinator, this one included, to close roomID.
func (b *Bus) PublishRoomEnded(ctx context.Context, roomID string) error {
	body, err := json.Marshal(controlPayload{Kind: ControlRoomEnded, RoomID: roomID, From: b.nodeID, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, ControlChannel, body).Err()
}

// Run subscribes to the control channel and closes rooms on the coordinator
// until ctx is done.
func (b *Bus) Run(ctx context.Context, coord *Coordinator) error {
	pubsub := b.client.Subscribe(ctx, ControlChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ControlChannel, err)
	}
	b.logger.Info("control bus subscribed", zap.String("channel", ControlChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, coord, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, coord *Coordinator, raw []byte) {
	var p controlPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		b.logger.Warn("drop undecodable control message", zap.Error(err))
		return
	}
	switch p.Kind {
	case ControlRoomEnded:
		n := coord.CloseRoom(ctx, p.RoomID)
		b.logger.Debug("room ended via control bus", zap.String("room_id", p.RoomID), zap.String("from", p.From), zap.Int("evicted", n))
	default:
		b.logger.Warn("unknown control message", zap.String("kind", string(p.Kind)))
	}
}
