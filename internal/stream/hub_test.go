package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldops-patrol/internal/protocol"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	if opts.BatchInterval == 0 {
		opts.BatchInterval = -1
	}
	opts.Logger = zerolog.Nop()
	hub := NewHub(opts)
	t.Cleanup(hub.Close)
	return hub
}

func recv(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case msg, ok := <-c.Send:
		if !ok {
			t.Fatalf("send channel closed")
		}
		env, err := protocol.Decode(msg)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for frame")
	}
	return protocol.Envelope{}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("unexpected frame %s", msg)
	case <-time.After(30 * time.Millisecond):
	}
}

func envelope(t *testing.T, event, ref string, payload any) protocol.Envelope {
	t.Helper()
	env := protocol.Envelope{Event: event, Ref: ref}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Data = data
	}
	return env
}

func register(t *testing.T, hub *Hub, guardID string) *Client {
	t.Helper()
	c := hub.Register(guardID, protocol.NamespaceTrackingV2)
	if env := recv(t, c); env.Event != protocol.EventConnected {
		t.Fatalf("expected connected, got %s", env.Event)
	}
	return c
}

func TestRegisterGreetsAndUnregisterCloses(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	c := hub.Register("guard-1", protocol.NamespaceTracking)
	env := recv(t, c)
	var greet protocol.Connected
	_ = json.Unmarshal(env.Data, &greet)
	if env.Event != protocol.EventConnected || greet.UserID != "guard-1" {
		t.Fatalf("unexpected greeting %s %+v", env.Event, greet)
	}
	if !hub.Connected("guard-1") {
		t.Fatalf("expected guard connected")
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if _, ok := <-c.Send; ok {
		t.Fatalf("expected channel closed")
	}
	if hub.Connected("guard-1") {
		t.Fatalf("expected guard gone")
	}
}

func TestSubscribeAndWatchAcks(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	c := register(t, hub, "guard-1")
	ctx := context.Background()

	hub.Handle(ctx, c, envelope(t, protocol.EventSubscribe, "r1", nil))
	if env := recv(t, c); env.Event != protocol.EventSubscribed || env.Ref != "r1" {
		t.Fatalf("expected subscribed r1, got %s %s", env.Event, env.Ref)
	}

	hub.Handle(ctx, c, envelope(t, protocol.EventWatchUser, "r2", protocol.UserWatch{UserID: "guard-2"}))
	env := recv(t, c)
	var ack protocol.Ack
	_ = json.Unmarshal(env.Data, &ack)
	if env.Event != protocol.EventAck || env.Ref != "r2" || !ack.OK {
		t.Fatalf("expected ok ack, got %s %+v", env.Event, ack)
	}

	hub.Handle(ctx, c, envelope(t, protocol.EventWatchZone, "r3", protocol.ZoneWatch{Latitude: -6.2, Longitude: 106.8, RadiusMeters: 10}))
	env = recv(t, c)
	ack = protocol.Ack{}
	_ = json.Unmarshal(env.Data, &ack)
	if env.Ref != "r3" || ack.OK || ack.Error == "" {
		t.Fatalf("expected rejected zone ack, got %+v", ack)
	}
}

func TestWatchersGetImmediateUpdates(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	watcher := register(t, hub, "guard-1")
	bystander := register(t, hub, "guard-3")
	mover := register(t, hub, "guard-2")
	ctx := context.Background()

	hub.Handle(ctx, watcher, envelope(t, protocol.EventWatchUser, "w", protocol.UserWatch{UserID: "guard-2"}))
	recv(t, watcher)

	hub.Handle(ctx, mover, envelope(t, protocol.EventRealtimeLocation, "", protocol.RealtimeLocation{Latitude: -6.2, Longitude: 106.8}))

	env := recv(t, watcher)
	var u protocol.PeerUpdate
	_ = json.Unmarshal(env.Data, &u)
	if env.Event != protocol.EventLocationUpdated || u.UserID != "guard-2" || u.Timestamp == 0 {
		t.Fatalf("unexpected update %s %+v", env.Event, u)
	}
	expectNone(t, bystander)
	expectNone(t, mover)
}

func TestFlushSendsBatchToSubscribers(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	hub := newTestHub(t, HubOptions{Now: func() time.Time { return now }})
	sub := register(t, hub, "guard-1")
	other := register(t, hub, "guard-3")
	mover := register(t, hub, "guard-2")
	ctx := context.Background()

	hub.Handle(ctx, sub, envelope(t, protocol.EventSubscribe, "s", nil))
	recv(t, sub)

	hub.Handle(ctx, mover, envelope(t, protocol.EventLocation, "", protocol.Location{Latitude: -6.2, Longitude: 106.8}))
	hub.Handle(ctx, mover, envelope(t, protocol.EventLocationReport, "", protocol.LocationReport{Latitude: -6.21, Longitude: 106.8, Timestamp: now.UnixMilli() - 50}))
	hub.Flush()

	env := recv(t, sub)
	var batch protocol.BatchUpdate
	_ = json.Unmarshal(env.Data, &batch)
	if env.Event != protocol.EventBatchUpdate || len(batch.Updates) != 2 || batch.ServerTime != now.UnixMilli() {
		t.Fatalf("unexpected batch %s %+v", env.Event, batch)
	}
	if batch.Updates[1].Timestamp != now.UnixMilli()-50 {
		t.Fatalf("report timestamp not kept: %d", batch.Updates[1].Timestamp)
	}
	expectNone(t, other)

	hub.Flush()
	expectNone(t, sub)
}

func TestBufferKeepsNewest(t *testing.T) {
	hub := newTestHub(t, HubOptions{BufferSize: 2})
	sub := register(t, hub, "guard-1")
	hub.Handle(context.Background(), sub, envelope(t, protocol.EventSubscribe, "", nil))
	recv(t, sub)

	for i := 0; i < 3; i++ {
		hub.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: float64(i), Timestamp: int64(i + 1)})
	}
	hub.Flush()
	var batch protocol.BatchUpdate
	_ = json.Unmarshal(recv(t, sub).Data, &batch)
	if len(batch.Updates) != 2 || batch.Updates[0].Timestamp != 2 {
		t.Fatalf("expected the two newest updates, got %+v", batch.Updates)
	}
}

func TestZoneEntryOnlyOnTransition(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	observer := register(t, hub, "guard-1")
	zone := protocol.ZoneWatch{Latitude: -6.2, Longitude: 106.8, RadiusMeters: 200}
	hub.Handle(context.Background(), observer, envelope(t, protocol.EventWatchZone, "z", zone))
	recv(t, observer)

	hub.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: -6.3, Longitude: 106.8, Timestamp: 1})
	expectNone(t, observer)

	hub.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: -6.2005, Longitude: 106.8, Timestamp: 2})
	env := recv(t, observer)
	var entry protocol.ZoneEntry
	_ = json.Unmarshal(env.Data, &entry)
	if env.Event != protocol.EventZoneEntered || entry.UserID != "guard-2" || entry.Zone.Key() != zone.Key() {
		t.Fatalf("unexpected zone event %s %+v", env.Event, entry)
	}

	hub.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: -6.2001, Longitude: 106.8, Timestamp: 3})
	expectNone(t, observer)

	hub.Handle(context.Background(), observer, envelope(t, protocol.EventUnwatchZone, "u", zone))
	recv(t, observer)
	hub.Publish(protocol.PeerUpdate{UserID: "guard-4", Latitude: -6.2, Longitude: 106.8, Timestamp: 4})
	expectNone(t, observer)
}

func TestUnwatchZoneLeavesNearbyRadiusWatched(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	observer := register(t, hub, "guard-1")
	kept := protocol.ZoneWatch{Latitude: -6.2, Longitude: 106.8, RadiusMeters: 100.2}
	dropped := protocol.ZoneWatch{Latitude: -6.2, Longitude: 106.8, RadiusMeters: 100.4}
	hub.Handle(context.Background(), observer, envelope(t, protocol.EventWatchZone, "z1", kept))
	recv(t, observer)
	hub.Handle(context.Background(), observer, envelope(t, protocol.EventWatchZone, "z2", dropped))
	recv(t, observer)
	hub.Handle(context.Background(), observer, envelope(t, protocol.EventUnwatchZone, "u", dropped))
	recv(t, observer)

	hub.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: -6.2, Longitude: 106.8, Timestamp: 1})
	env := recv(t, observer)
	var entry protocol.ZoneEntry
	_ = json.Unmarshal(env.Data, &entry)
	if env.Event != protocol.EventZoneEntered || entry.Zone.RadiusMeters != 100.2 {
		t.Fatalf("expected entry into the kept zone, got %s %+v", env.Event, entry)
	}
	expectNone(t, observer)
}

func TestRateLimitedLocation(t *testing.T) {
	hub := newTestHub(t, HubOptions{Limiter: NewMemoryLimiter(1, time.Minute)})
	c := register(t, hub, "guard-1")
	loc := protocol.Location{Latitude: -6.2, Longitude: 106.8}

	hub.Handle(context.Background(), c, envelope(t, protocol.EventLocation, "", loc))
	expectNone(t, c)

	hub.Handle(context.Background(), c, envelope(t, protocol.EventLocation, "l2", loc))
	env := recv(t, c)
	var se protocol.ServerError
	_ = json.Unmarshal(env.Data, &se)
	if env.Event != protocol.EventError || se.Code != protocol.CodeRateLimited || se.RetryAfterMs <= 0 || env.Ref != "l2" {
		t.Fatalf("expected rate limit error, got %s %+v", env.Event, se)
	}
}

func TestInvalidLocationAndUnknownEvent(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	c := register(t, hub, "guard-1")

	hub.Handle(context.Background(), c, envelope(t, protocol.EventLocation, "", protocol.Location{Latitude: 91}))
	var se protocol.ServerError
	_ = json.Unmarshal(recv(t, c).Data, &se)
	if se.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad request, got %+v", se)
	}

	hub.Handle(context.Background(), c, envelope(t, "teleport", "", nil))
	se = protocol.ServerError{}
	_ = json.Unmarshal(recv(t, c).Data, &se)
	if se.Code != protocol.CodeBadRequest {
		t.Fatalf("expected bad request, got %+v", se)
	}

	hub.Handle(context.Background(), c, envelope(t, protocol.EventHeartbeat, "", nil))
	expectNone(t, c)
}

func TestLocationIsPersisted(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO guard_locations`).
		WithArgs("guard-1", ChannelRealtime, 106.8, -6.2, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	hub := newTestHub(t, HubOptions{Store: NewStore(mock)})
	c := register(t, hub, "guard-1")
	hub.Handle(context.Background(), c, envelope(t, protocol.EventRealtimeLocation, "", protocol.RealtimeLocation{Latitude: -6.2, Longitude: 106.8}))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRedisRelaysAcrossInstances(t *testing.T) {
	s := miniredis.RunT(t)
	rdbA := redis.NewClient(&redis.Options{Addr: s.Addr()})
	rdbB := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdbA.Close()
	defer rdbB.Close()

	hubA := newTestHub(t, HubOptions{Redis: rdbA})
	hubB := newTestHub(t, HubOptions{Redis: rdbB})
	for _, h := range []*Hub{hubA, hubB} {
		select {
		case <-h.ready:
		case <-time.After(time.Second):
			t.Fatalf("redis subscription not ready")
		}
	}

	watcher := register(t, hubB, "guard-1")
	hubB.Handle(context.Background(), watcher, envelope(t, protocol.EventWatchUser, "w", protocol.UserWatch{UserID: "guard-2"}))
	recv(t, watcher)

	local := register(t, hubA, "guard-5")
	hubA.Handle(context.Background(), local, envelope(t, protocol.EventWatchUser, "w", protocol.UserWatch{UserID: "guard-2"}))
	recv(t, local)

	hubA.Publish(protocol.PeerUpdate{UserID: "guard-2", Latitude: -6.2, Longitude: 106.8, Timestamp: 1})

	if env := recv(t, watcher); env.Event != protocol.EventLocationUpdated {
		t.Fatalf("expected relayed update, got %s", env.Event)
	}
	// The origin instance delivers once, not again from its own relay.
	recv(t, local)
	expectNone(t, local)
}

func TestRedisPublishErrorIsLogged(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	hub := newTestHub(t, HubOptions{Redis: client})
	<-hub.ready
	server.Close()

	hub.Publish(protocol.PeerUpdate{UserID: "guard-1"})
}
