package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/broker"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/history"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/registry"
	store "github.com/Jesusiunchatnoir/contact-cnt-ait/backend/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := zerolog.Nop()
	return NewService(Config{
		Registry: registry.New(),
		History: history.New(history.Config{
			Capacity:        100,
			MaxPayloadBytes: 4096,
			AllowedTypes:    []string{"image/png"},
		}),
		Rooms: store.NewRoomStore(),
		Broker: broker.New(broker.Config{
			Logger:         &logger,
			RingingTimeout: 0,
		}),
		Sanitize:    func(s string) string { return strings.ReplaceAll(s, "<script>", "") },
		ReplayLimit: 50,
		Logger:      &logger,
	})
}

type testClient struct {
	id   string
	wire model.Wire
	recv chan model.Event
}

func connect(t *testing.T, svc *Service, id string) *testClient {
	t.Helper()

	c := &testClient{
		id:   id,
		wire: model.NewWire(),
		recv: make(chan model.Event, 128),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Connect(ctx, id, c.wire))

	go func() {
		for {
			select {
			case ev := <-c.wire.TX:
				c.recv <- ev
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

func (c *testClient) send(t *testing.T, eventType, to string, payload any) {
	t.Helper()
	select {
	case c.wire.RX <- model.NewEvent(eventType, "", to, payload):
	case <-time.After(2 * time.Second):
		t.Fatalf("send of %q timed out", eventType)
	}
}

// expect reads events until one of the wanted type arrives, discarding
// everything else.
func (c *testClient) expect(t *testing.T, eventType string) model.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.recv:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
		}
	}
}

func (c *testClient) expectNone(t *testing.T, eventType string) {
	t.Helper()
	timeout := time.After(150 * time.Millisecond)
	for {
		select {
		case ev := <-c.recv:
			if ev.Type == eventType {
				t.Fatalf("unexpected %q event", eventType)
			}
		case <-timeout:
			return
		}
	}
}

func register(t *testing.T, c *testClient, name string) initPayload {
	t.Helper()
	c.send(t, model.EventRegister, "", registerPayload{Name: name})
	ev := c.expect(t, model.EventInit)
	var init initPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &init))
	return init
}

func decodeMessage(t *testing.T, ev model.Event) model.Message {
	t.Helper()
	var msg model.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &msg))
	return msg
}

func TestRegisterChatAndDisconnectScenario(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	alice := connect(t, svc, "conn-alice")
	init := register(t, alice, "alice")
	assert.Empty(t, init.Messages)
	require.Len(t, init.Users, 1)
	assert.Equal(t, "alice", init.Users[0].Name)

	// duplicate name from a different connection
	intruder := connect(t, svc, "conn-intruder")
	intruder.send(t, model.EventRegister, "", registerPayload{Name: "alice"})
	ev := intruder.expect(t, model.EventRegistrationError)
	var regErr errorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &regErr))
	assert.Contains(t, regErr.Error, "taken")

	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")
	alice.expect(t, model.EventUserJoined)

	alice.send(t, model.EventChatMessage, "", chatPayload{Kind: model.KindText, Content: "hi"})
	for _, c := range []*testClient{alice, bob} {
		msg := decodeMessage(t, c.expect(t, model.EventChatMessage))
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi", msg.Content)
		assert.False(t, msg.CreatedAt.IsZero(), "timestamp is server-assigned")
	}

	require.NoError(t, svc.Disconnect(ctx, "conn-alice"))
	left := bob.expect(t, model.EventUserLeft)
	var name string
	require.NoError(t, json.Unmarshal(left.Payload, &name))
	assert.Equal(t, "alice", name)

	users := bob.expect(t, model.EventUsers)
	var list []model.Session
	require.NoError(t, json.Unmarshal(users.Payload, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "bob", list[0].Name)
}

func TestHistoryReplayOnRegister(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	for _, text := range []string{"one", "two", "three"} {
		alice.send(t, model.EventChatMessage, "", chatPayload{Kind: model.KindText, Content: text})
		alice.expect(t, model.EventChatMessage)
	}

	bob := connect(t, svc, "conn-bob")
	init := register(t, bob, "bob")
	require.Len(t, init.Messages, 3)
	assert.Equal(t, "one", init.Messages[0].Content)
	assert.Equal(t, "three", init.Messages[2].Content)
}

func TestChatRequiresRegistration(t *testing.T) {
	svc := newTestService(t)

	ghost := connect(t, svc, "conn-ghost")
	ghost.send(t, model.EventChatMessage, "", chatPayload{Kind: model.KindText, Content: "boo"})
	ev := ghost.expect(t, model.EventError)
	var e errorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &e))
	assert.Contains(t, e.Error, "not registered")
}

func TestChatValidationErrorsGoToSenderOnly(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventChatMessage, "", chatPayload{
		Kind:     model.KindFile,
		FileType: "application/zip",
		FileData: "UEsDBA==",
	})
	alice.expect(t, model.EventError)
	bob.expectNone(t, model.EventChatMessage)
}

func TestTextContentIsSanitized(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")

	alice.send(t, model.EventChatMessage, "", chatPayload{Kind: model.KindText, Content: "hey<script>x"})
	msg := decodeMessage(t, alice.expect(t, model.EventChatMessage))
	assert.Equal(t, "heyx", msg.Content)
}

func TestEditAndDeleteOwnership(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventChatMessage, "", chatPayload{Kind: model.KindText, Content: "mine"})
	msg := decodeMessage(t, alice.expect(t, model.EventChatMessage))
	bob.expect(t, model.EventChatMessage)

	// bob cannot edit or delete alice's message
	bob.send(t, model.EventEditMessage, "", editPayload{ID: msg.ID, Content: "stolen"})
	bob.expect(t, model.EventError)
	bob.send(t, model.EventDeleteMessage, "", deletePayload{ID: msg.ID})
	bob.expect(t, model.EventError)
	alice.expectNone(t, model.EventEditMessage)

	alice.send(t, model.EventEditMessage, "", editPayload{ID: msg.ID, Content: "mine, edited"})
	edited := decodeMessage(t, bob.expect(t, model.EventEditMessage))
	assert.Equal(t, "mine, edited", edited.Content)
	assert.True(t, edited.Edited)

	alice.send(t, model.EventDeleteMessage, "", deletePayload{ID: msg.ID})
	del := bob.expect(t, model.EventDeleteMessage)
	var dp deletePayload
	require.NoError(t, json.Unmarshal(del.Payload, &dp))
	assert.Equal(t, msg.ID, dp.ID)
}

func TestSignalingRelayOrder(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventOffer, "conn-bob", json.RawMessage(`"O"`))
	alice.send(t, model.EventICECandidate, "conn-bob", json.RawMessage(`"C1"`))
	alice.send(t, model.EventICECandidate, "conn-bob", json.RawMessage(`"C2"`))

	offer := bob.expect(t, model.EventOffer)
	assert.Equal(t, "conn-alice", offer.From)
	var p string
	require.NoError(t, json.Unmarshal(offer.Payload, &p))
	assert.Equal(t, "O", p)

	for _, want := range []string{"C1", "C2"} {
		ice := bob.expect(t, model.EventICECandidate)
		require.NoError(t, json.Unmarshal(ice.Payload, &p))
		assert.Equal(t, want, p, "candidate order must be preserved")
	}
}

func TestAnswerMarksBothInCall(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventOffer, "conn-bob", json.RawMessage(`"O"`))
	bob.expect(t, model.EventOffer)
	bob.send(t, model.EventAnswer, "conn-alice", json.RawMessage(`"A"`))
	alice.expect(t, model.EventAnswer)

	users := alice.expect(t, model.EventUsers)
	var list []model.Session
	require.NoError(t, json.Unmarshal(users.Payload, &list))
	require.Len(t, list, 2)
	for _, sess := range list {
		assert.True(t, sess.InCall, "%s must be marked in call", sess.Name)
	}
}

func TestOfferToUnknownPeer(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")

	alice.send(t, model.EventOffer, "conn-gone", json.RawMessage(`"O"`))
	ev := alice.expect(t, model.EventPeerUnavailable)
	var pp peerPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &pp))
	assert.Equal(t, "conn-gone", pp.To)
}

func TestDisconnectWhileInCall(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventOffer, "conn-bob", json.RawMessage(`"O"`))
	bob.expect(t, model.EventOffer)
	bob.send(t, model.EventAnswer, "conn-alice", json.RawMessage(`"A"`))
	alice.expect(t, model.EventAnswer)

	require.NoError(t, svc.Disconnect(ctx, "conn-alice"))

	ended := bob.expect(t, model.EventCallEnded)
	assert.Equal(t, "conn-alice", ended.From)
	bob.expect(t, model.EventUserLeft)
	bob.expectNone(t, model.EventCallEnded) // exactly once

	// repeated cleanup stays silent
	require.NoError(t, svc.Disconnect(ctx, "conn-alice"))
	bob.expectNone(t, model.EventCallEnded)
}

func TestRoomLifecycle(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")
	carol := connect(t, svc, "conn-carol")
	register(t, carol, "carol")

	alice.send(t, model.EventCreateRoom, "", createRoomPayload{Name: "planning", Members: []string{"bob"}})

	var room model.Room
	require.NoError(t, json.Unmarshal(alice.expect(t, model.EventRoomJoined).Payload, &room))
	bob.expect(t, model.EventRoomJoined)
	carol.expectNone(t, model.EventRoomJoined) // scoped to members

	carol.send(t, model.EventJoinRoom, "", roomPayload{RoomID: room.ID})
	carol.expect(t, model.EventRoomJoined)
	alice.expect(t, model.EventRoomJoined)

	bob.send(t, model.EventLeaveRoom, "", roomPayload{RoomID: room.ID})
	bob.expect(t, model.EventRoomLeft)
	alice.expect(t, model.EventRoomLeft)

	rooms := svc.ListRooms()
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Participants, 2)
}

func TestCreateRoomUnknownMember(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")

	alice.send(t, model.EventCreateRoom, "", createRoomPayload{Name: "ghosts", Members: []string{"casper"}})
	ev := alice.expect(t, model.EventError)
	var e errorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &e))
	assert.Contains(t, e.Error, "unknown member")
	users, rooms := svc.Stats()
	assert.Equal(t, 1, users)
	assert.Zero(t, rooms)
}

func TestGroupCallFlow(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	bob.send(t, model.EventJoinGroupCall, "", groupCallPayload{GroupID: "grp-1"})
	alice.send(t, model.EventJoinGroupCall, "", groupCallPayload{GroupID: "grp-1"})
	joined := bob.expect(t, model.EventUserJoinedCall)
	assert.Equal(t, "conn-alice", joined.From)

	bob.send(t, model.EventAnswerGroup, "conn-alice", json.RawMessage(`{"signal":"S"}`))
	accepted := alice.expect(t, model.EventGroupCallAccepted)
	assert.Equal(t, "conn-bob", accepted.From)

	alice.send(t, model.EventLeaveGroupCall, "", groupCallPayload{GroupID: "grp-1"})
	left := bob.expect(t, model.EventUserLeftCall)
	var lp leftCallPayload
	require.NoError(t, json.Unmarshal(left.Payload, &lp))
	assert.Equal(t, "alice", lp.User)
	assert.Equal(t, "grp-1", lp.GroupID)
}

func TestLogoutFreesNameAndNotifies(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")
	bob := connect(t, svc, "conn-bob")
	register(t, bob, "bob")

	alice.send(t, model.EventLogout, "", nil)
	bob.expect(t, model.EventUserLeft)

	// the connection survives logout and can register a new name
	init := register(t, alice, "alice_again")
	require.Len(t, init.Users, 2)
}

func TestMalformedPayloadIsRejected(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")

	alice.wire.RX <- model.Event{Type: model.EventChatMessage, Payload: json.RawMessage(`{"type":[12]}`)}
	alice.expect(t, model.EventError)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	svc := newTestService(t)

	alice := connect(t, svc, "conn-alice")
	register(t, alice, "alice")

	alice.send(t, "no-such-event", "", nil)
	alice.expectNone(t, model.EventError)
}
