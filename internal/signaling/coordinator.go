// Package signaling coordinates room membership and relays WebRTC negotiation
// messages between the connections held by this process.
//
// Delivery only ever uses the local handle map: a connection can be written to
// solely by the process that accepted it. The presence store mirrors membership
// for cluster-wide reporting and is never consulted to route a frame.
//
// Locking: Coordinator.mu guards the rooms and handles maps; each room has its
// own mutex that orders joins, leaves and fan-out inside that room. The two are
// never held at the same time. Presence writes for one (room, user) pair are
// serialized on a striped mutex taken with no other lock held, and a Put is
// skipped once its handle no longer holds the membership. Sends are non-blocking enqueues (Conn.TrySend),
// so holding a room lock while fanning out never waits on the network.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-webinar/liveroom/internal/presence"
)

// HandleID identifies one live connection on this node.
type HandleID string

// Conn is a connection the coordinator can deliver to. TrySend must not block:
// it either enqueues the frame or fails. Close is idempotent.
type Conn interface {
	ID() HandleID
	TrySend(msg []byte) error
	Close()
}

var (
	ErrConnClosed       = errors.New("signaling: connection closed")
	ErrBackpressure     = errors.New("signaling: send queue full")
	ErrUnknownHandle    = errors.New("signaling: unknown connection handle")
	ErrDuplicateHandle  = errors.New("signaling: connection handle already registered")
	ErrIdentityMismatch = errors.New("signaling: user does not own connection handle")
	ErrRoomFull         = errors.New("signaling: room is full")
	ErrNotMember        = errors.New("signaling: sender is not a member of the room")
)

// MemberEvent describes a membership change.
type MemberEvent struct {
	RoomID   string
	UserID   string
	HandleID HandleID
	Role     string
	Meta     map[string]string
	At       time.Time
	// Rejoin is set when the user already had an entry in the room.
	Rejoin bool
	// Replaced is the handle the user held before reconnecting, if it differs.
	Replaced HandleID
}

// MembershipObserver is told about membership changes after they are applied,
// outside every lock. Implementations must not block.
type MembershipObserver interface {
	MemberJoined(ev MemberEvent)
	MemberLeft(ev MemberEvent)
}

// ControlPublisher fans control messages out to every coordinator in the cluster.
type ControlPublisher interface {
	PublishRoomEnded(ctx context.Context, roomID string) error
}

// Options configures a Coordinator.
type Options struct {
	NodeID string
	// MaxRoomSize bounds local members per room; 0 means unbounded.
	MaxRoomSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type binding struct {
	conn     Conn
	userID   string
	role     string
	rooms    map[string]struct{}
	detached bool
}

type member struct {
	userID   string
	handle   HandleID
	conn     Conn
	role     string
	joinedAt time.Time
	meta     map[string]string
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]*member
	// retired is set once the room emptied and is being dropped from the map.
	retired bool
}

// Coordinator owns the local connection registry and all membership mutations.
type Coordinator struct {
	opts     Options
	presence presence.Store
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	rooms    map[string]*room
	handles  map[HandleID]*binding
	observer MembershipObserver
	control  ControlPublisher

	presenceMu [presenceStripes]sync.Mutex
}

const presenceStripes = 64

// NewCoordinator creates a coordinator backed by store. metrics may be nil.
func NewCoordinator(opts Options, store presence.Store, metrics *Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		opts:     opts,
		presence: store,
		metrics:  metrics,
		logger:   logger.With(zap.String("node_id", opts.NodeID)),
		now:      now,
		rooms:    make(map[string]*room),
		handles:  make(map[HandleID]*binding),
	}
}

// SetObserver sets the membership observer (e.g. viewer accounting).
func (c *Coordinator) SetObserver(o MembershipObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// SetControlPublisher enables cluster-wide room closing.
func (c *Coordinator) SetControlPublisher(p ControlPublisher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = p
}

// NodeID returns the identifier written into presence entries.
func (c *Coordinator) NodeID() string { return c.opts.NodeID }

// Register records a connection under its handle for the given identity.
func (c *Coordinator) Register(conn Conn, userID, role string) error {
	id := conn.ID()
	c.mu.Lock()
	if _, ok := c.handles[id]; ok {
		c.mu.Unlock()
		return ErrDuplicateHandle
	}
	c.handles[id] = &binding{conn: conn, userID: userID, role: role, rooms: make(map[string]struct{})}
	c.mu.Unlock()
	c.metrics.connOpened()
	return nil
}

// Join makes userID a member of roomID through handle, replacing any previous
// entry of the same user. The rest of the room gets user-joined, then the
// joiner gets a room-users snapshot of everyone else, both under the room lock.
func (c *Coordinator) Join(ctx context.Context, roomID, userID string, handle HandleID, meta map[string]string) error {
	c.mu.Lock()
	b := c.handles[handle]
	observer := c.observer
	c.mu.Unlock()
	if b == nil {
		return ErrUnknownHandle
	}
	if b.userID != userID {
		return ErrIdentityMismatch
	}

	now := c.now()
	m := &member{userID: userID, handle: handle, conn: b.conn, role: b.role, joinedAt: now, meta: meta}

	r := c.lockRoom(roomID, true)
	prev := r.members[userID]
	if prev == nil && c.opts.MaxRoomSize > 0 && len(r.members) >= c.opts.MaxRoomSize {
		r.mu.Unlock()
		c.metrics.IncDropped(DropRoomFull)
		return ErrRoomFull
	}
	r.members[userID] = m

	var failed []HandleID
	joined := c.encode(UserEvent{
		Type:      EventUserJoined,
		RoomID:    roomID,
		UserID:    userID,
		UserInfo:  c.info(m),
		Timestamp: millis(now),
	})
	users := make([]UserInfo, 0, len(r.members)-1)
	for uid, other := range r.members {
		if uid == userID {
			continue
		}
		users = append(users, *c.info(other))
		if err := other.conn.TrySend(joined); err != nil {
			failed = append(failed, other.handle)
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt == users[j].JoinedAt {
			return users[i].UserID < users[j].UserID
		}
		return users[i].JoinedAt < users[j].JoinedAt
	})
	snapshot := c.encode(RoomUsersEvent{Type: EventRoomUsers, RoomID: roomID, Users: users, Timestamp: millis(now)})
	if err := m.conn.TrySend(snapshot); err != nil {
		failed = append(failed, handle)
	}
	r.mu.Unlock()

	var replaced HandleID
	if prev != nil && prev.handle != handle {
		// The user reconnected; the old connection no longer represents them.
		replaced = prev.handle
		c.unbindRoom(prev.handle, roomID)
		c.detach(prev.handle, "superseded")
	}
	if !c.bindRoom(handle, roomID) {
		c.leave(ctx, roomID, userID, handle)
		return ErrUnknownHandle
	}
	c.detachFailed(failed)

	entry := presence.Entry{
		RoomID:   roomID,
		UserID:   userID,
		HandleID: string(handle),
		NodeID:   c.opts.NodeID,
		Role:     b.role,
		JoinedAt: now,
		Meta:     meta,
	}
	mu := c.presenceLock(roomID, userID)
	mu.Lock()
	if c.holds(roomID, userID, handle) {
		if err := c.presence.Put(ctx, entry); err != nil {
			c.logger.Warn("presence put failed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
		}
	}
	mu.Unlock()

	c.metrics.joined()
	c.logger.Debug("member joined", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("handle_id", string(handle)))
	if observer != nil {
		observer.MemberJoined(MemberEvent{
			RoomID: roomID, UserID: userID, HandleID: handle, Role: b.role, Meta: meta, At: now,
			Rejoin: prev != nil, Replaced: replaced,
		})
	}
	return nil
}

// Leave removes userID from roomID whatever connection it joined with.
// Leaving a room the user is not in is a no-op.
func (c *Coordinator) Leave(ctx context.Context, roomID, userID string) {
	c.leave(ctx, roomID, userID, "")
}

// LeaveConn removes userID from roomID only if the membership still belongs to
// handle, so a late close of a replaced connection cannot evict the new one.
func (c *Coordinator) LeaveConn(ctx context.Context, roomID, userID string, handle HandleID) {
	c.leave(ctx, roomID, userID, handle)
}

func (c *Coordinator) leave(ctx context.Context, roomID, userID string, handle HandleID) bool {
	r := c.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	m := r.members[userID]
	if m == nil || (handle != "" && m.handle != handle) {
		r.mu.Unlock()
		return false
	}
	delete(r.members, userID)
	now := c.now()
	left := c.encode(UserEvent{Type: EventUserLeft, RoomID: roomID, UserID: userID, Timestamp: millis(now)})
	_, failed := c.broadcastLocked(r, left, "")
	empty := len(r.members) == 0
	if empty {
		r.retired = true
	}
	r.mu.Unlock()

	if empty {
		c.dropRoom(r)
	}
	c.unbindRoom(m.handle, roomID)
	c.detachFailed(failed)

	c.removePresence(ctx, roomID, userID, m.handle)
	c.metrics.left()
	c.logger.Debug("member left", zap.String("room_id", roomID), zap.String("user_id", userID), zap.String("handle_id", string(m.handle)))
	if observer := c.observerHook(); observer != nil {
		observer.MemberLeft(MemberEvent{RoomID: roomID, UserID: userID, HandleID: m.handle, Role: m.role, Meta: m.meta, At: now})
	}
	return true
}

// CleanupByHandle unregisters a connection and leaves every room it joined.
// Calling it for an unknown or already cleaned handle is a no-op.
func (c *Coordinator) CleanupByHandle(ctx context.Context, handle HandleID) {
	c.mu.Lock()
	b := c.handles[handle]
	if b == nil {
		c.mu.Unlock()
		return
	}
	delete(c.handles, handle)
	rooms := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	for _, roomID := range rooms {
		c.leave(ctx, roomID, b.userID, handle)
	}
	c.metrics.connClosed()
}

// HandleSignal relays a signal. Negotiation messages go to ToUserID when set
// (dropped if that user has no local connection) or to everyone else in the
// room. join/leave signals become peer-joined/peer-left notices and never
// change membership. The sender must be a local member of the room.
func (c *Coordinator) HandleSignal(_ context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		c.metrics.IncDropped(DropMalformed)
		return err
	}
	r := c.lockRoom(sig.RoomID, false)
	if r == nil {
		c.metrics.IncDropped(DropNotMember)
		return ErrNotMember
	}
	if r.members[sig.FromUserID] == nil {
		r.mu.Unlock()
		c.metrics.IncDropped(DropNotMember)
		return ErrNotMember
	}

	ts := millis(c.now())
	var msg []byte
	if sig.Type.IsNegotiation() {
		out := sig
		out.Timestamp = ts
		msg = c.encode(out)
	} else {
		evType := EventPeerJoined
		if sig.Type == SignalLeave {
			evType = EventPeerLeft
		}
		msg = c.encode(PeerEvent{Type: evType, RoomID: sig.RoomID, UserID: sig.FromUserID, ToUserID: sig.ToUserID, Timestamp: ts})
	}

	var failed []HandleID
	if sig.ToUserID != "" {
		target := r.members[sig.ToUserID]
		if target == nil {
			r.mu.Unlock()
			c.metrics.IncDropped(DropUnknownTarget)
			c.logger.Debug("signal target not on this node", zap.String("room_id", sig.RoomID), zap.String("user_id", sig.ToUserID))
			return nil
		}
		if err := target.conn.TrySend(msg); err != nil {
			failed = append(failed, target.handle)
		}
	} else {
		_, failed = c.broadcastLocked(r, msg, sig.FromUserID)
	}
	r.mu.Unlock()

	c.detachFailed(failed)
	c.metrics.incRelayed(sig.Type)
	return nil
}

// Broadcast encodes event once and delivers it to every local member of the
// room except excludeUserID. It returns the number of successful enqueues.
func (c *Coordinator) Broadcast(roomID string, event any, excludeUserID string) int {
	msg := c.encode(event)
	if msg == nil {
		return 0
	}
	r := c.lockRoom(roomID, false)
	if r == nil {
		return 0
	}
	delivered, failed := c.broadcastLocked(r, msg, excludeUserID)
	r.mu.Unlock()
	c.detachFailed(failed)
	return delivered
}

// SendToUser delivers event to one local member. It reports whether the frame was enqueued.
func (c *Coordinator) SendToUser(roomID, userID string, event any) bool {
	msg := c.encode(event)
	if msg == nil {
		return false
	}
	r := c.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	m := r.members[userID]
	var err error
	if m != nil {
		err = m.conn.TrySend(msg)
	}
	r.mu.Unlock()
	if m == nil {
		return false
	}
	if err != nil {
		c.detachFailed([]HandleID{m.handle})
		return false
	}
	return true
}

// Touch refreshes the presence TTL of a room on activity.
func (c *Coordinator) Touch(ctx context.Context, roomID string) {
	if err := c.presence.Touch(ctx, roomID); err != nil {
		c.logger.Warn("presence touch failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

// CloseRoom sends room-ended to the room's local members, evicts them and
// closes their connections. It returns how many members were evicted.
func (c *Coordinator) CloseRoom(ctx context.Context, roomID string) int {
	r := c.lockRoom(roomID, false)
	if r == nil {
		return 0
	}
	now := c.now()
	msg := c.encode(RoomEndedEvent{Type: EventRoomEnded, RoomID: roomID, Timestamp: millis(now)})
	evicted := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		evicted = append(evicted, m)
		_ = m.conn.TrySend(msg)
	}
	r.members = make(map[string]*member)
	r.retired = true
	r.mu.Unlock()
	c.dropRoom(r)

	observer := c.observerHook()
	for _, m := range evicted {
		c.unbindRoom(m.handle, roomID)
		c.removePresence(ctx, roomID, m.userID, m.handle)
		c.metrics.left()
		if observer != nil {
			observer.MemberLeft(MemberEvent{RoomID: roomID, UserID: m.userID, HandleID: m.handle, Role: m.role, Meta: m.meta, At: now})
		}
		m.conn.Close()
	}
	c.logger.Info("room closed", zap.String("room_id", roomID), zap.Int("evicted", len(evicted)))
	return len(evicted)
}

// CloseRoomCluster closes the room on every node through the control
// publisher, or locally when none is configured or publishing fails.
func (c *Coordinator) CloseRoomCluster(ctx context.Context, roomID string) {
	c.mu.Lock()
	control := c.control
	c.mu.Unlock()
	if control != nil {
		err := control.PublishRoomEnded(ctx, roomID)
		if err == nil {
			return
		}
		c.logger.Warn("publish room ended failed, closing locally", zap.String("room_id", roomID), zap.Error(err))
	}
	c.CloseRoom(ctx, roomID)
}

// RoomUsers lists the cluster-wide presence of a room. Reporting only.
func (c *Coordinator) RoomUsers(ctx context.Context, roomID string) ([]presence.Entry, error) {
	return c.presence.Members(ctx, roomID)
}

// RoomStats combines local membership with cluster-wide presence.
type RoomStats struct {
	RoomID         string           `json:"roomId"`
	LocalMembers   int              `json:"localMembers"`
	ClusterMembers int              `json:"clusterMembers"`
	Nodes          map[string]int   `json:"nodes"`
	Users          []presence.Entry `json:"users"`
}

// RoomStats reports a room from both tiers.
func (c *Coordinator) RoomStats(ctx context.Context, roomID string) (*RoomStats, error) {
	entries, err := c.presence.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]int)
	for _, e := range entries {
		nodes[e.NodeID]++
	}
	return &RoomStats{
		RoomID:         roomID,
		LocalMembers:   len(c.LocalMembers(roomID)),
		ClusterMembers: len(entries),
		Nodes:          nodes,
		Users:          entries,
	}, nil
}

// NodeStats describes what this process holds.
type NodeStats struct {
	NodeID      string         `json:"nodeId"`
	Connections int            `json:"connections"`
	Rooms       int            `json:"rooms"`
	Members     map[string]int `json:"members"`
}

// Stats returns node-level counts.
func (c *Coordinator) Stats() NodeStats {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	conns := len(c.handles)
	c.mu.Unlock()

	members := make(map[string]int, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.retired {
			members[r.id] = len(r.members)
		}
		r.mu.Unlock()
	}
	return NodeStats{NodeID: c.opts.NodeID, Connections: conns, Rooms: len(members), Members: members}
}

// LocalMembers returns the user ids held locally in a room, sorted.
func (c *Coordinator) LocalMembers(roomID string) []string {
	r := c.lockRoom(roomID, false)
	if r == nil {
		return []string{}
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// LocalHandles returns the handles of connections currently in at least one room.
func (c *Coordinator) LocalHandles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handles))
	for id, b := range c.handles {
		if !b.detached && len(b.rooms) > 0 {
			out = append(out, string(id))
		}
	}
	return out
}

// lockRoom returns the room locked, creating it when create is set. It never
// returns a retired room. Callers must unlock r.mu.
func (c *Coordinator) lockRoom(id string, create bool) *room {
	for {
		c.mu.Lock()
		r := c.rooms[id]
		if r == nil {
			if !create {
				c.mu.Unlock()
				return nil
			}
			r = &room{id: id, members: make(map[string]*member)}
			c.rooms[id] = r
			c.metrics.roomOpened()
		}
		c.mu.Unlock()

		r.mu.Lock()
		if !r.retired {
			return r
		}
		r.mu.Unlock()
		if !create {
			return nil
		}
		runtime.Gosched()
	}
}

// holds reports whether handle still carries userID's membership of roomID.
func (c *Coordinator) holds(roomID, userID string, handle HandleID) bool {
	r := c.lockRoom(roomID, false)
	if r == nil {
		return false
	}
	defer r.mu.Unlock()
	m := r.members[userID]
	return m != nil && m.handle == handle
}

func (c *Coordinator) presenceLock(roomID, userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(userID))
	return &c.presenceMu[h.Sum32()%presenceStripes]
}

// removePresence deletes the entry only while it still belongs to handle.
func (c *Coordinator) removePresence(ctx context.Context, roomID, userID string, handle HandleID) {
	mu := c.presenceLock(roomID, userID)
	mu.Lock()
	defer mu.Unlock()
	if _, err := c.presence.Remove(ctx, roomID, userID, string(handle)); err != nil {
		c.logger.Warn("presence remove failed", zap.String("room_id", roomID), zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *Coordinator) dropRoom(r *room) {
	c.mu.Lock()
	if c.rooms[r.id] == r {
		delete(c.rooms, r.id)
		c.metrics.roomClosed()
	}
	c.mu.Unlock()
}

// broadcastLocked enqueues msg to every member but exclude. Caller holds r.mu.
func (c *Coordinator) broadcastLocked(r *room, msg []byte, exclude string) (int, []HandleID) {
	delivered := 0
	var failed []HandleID
	for uid, m := range r.members {
		if uid == exclude {
			continue
		}
		if err := m.conn.TrySend(msg); err != nil {
			failed = append(failed, m.handle)
			continue
		}
		delivered++
	}
	return delivered, failed
}

func (c *Coordinator) bindRoom(handle HandleID, roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.handles[handle]
	if b == nil {
		return false
	}
	b.rooms[roomID] = struct{}{}
	return true
}

func (c *Coordinator) unbindRoom(handle HandleID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.handles[handle]; b != nil {
		delete(b.rooms, roomID)
	}
}

func (c *Coordinator) detachFailed(handles []HandleID) {
	for _, h := range handles {
		if c.detach(h, "send_failed") {
			c.metrics.sendFailed()
		}
	}
}

// detach closes a stale connection once. Its own lifecycle then runs the
// normal leave and cleanup, which is what removes it from the rooms.
func (c *Coordinator) detach(handle HandleID, reason string) bool {
	c.mu.Lock()
	b := c.handles[handle]
	if b == nil || b.detached {
		c.mu.Unlock()
		return false
	}
	b.detached = true
	conn := b.conn
	c.mu.Unlock()

	c.logger.Info("detaching connection", zap.String("handle_id", string(handle)), zap.String("user_id", b.userID), zap.String("reason", reason))
	conn.Close()
	return true
}

func (c *Coordinator) observerHook() MembershipObserver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}

func (c *Coordinator) info(m *member) *UserInfo {
	return &UserInfo{
		UserID:   m.userID,
		Role:     m.role,
		NodeID:   c.opts.NodeID,
		JoinedAt: millis(m.joinedAt),
		Meta:     m.meta,
	}
}

func (c *Coordinator) encode(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode event", zap.Error(err))
		return nil
	}
	return raw
}
