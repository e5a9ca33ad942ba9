package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/broker"
	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrNotRegistered = errors.New("connection is not registered")
	ErrBadPayload    = errors.New("malformed event payload")
	ErrUnknownMember = errors.New("unknown member")
)

type (
	SessionRegistry interface {
		Register(connID, name string) ([]model.Session, error)
		Unregister(connID string) (string, bool)
		IsRegistered(connID string) bool
		Lookup(connID string) (model.Session, bool)
		LookupName(name string) (string, bool)
		SetInCall(connID string, inCall bool)
		List() []model.Session
		Len() int
	}

	History interface {
		Append(msg model.Message) (model.Message, error)
		Recent(limit int) []model.Message
		Edit(id, requester, content, fileData string) (model.Message, error)
		Delete(id, requester string) error
	}

	RoomStore interface {
		CreateRoom(name string, owner model.Participant, members []model.Participant) (*model.Room, error)
		Join(roomID string, p model.Participant) (*model.Room, error)
		Leave(roomID, connID string) (*model.Room, bool, error)
		List() []model.Room
		RemoveAll(connID string) []model.Room
		Len() int
	}

	Broker interface {
		Attach(connID string, wire model.Wire)
		Disconnect(connID string) broker.Teardown
		EndAll(connID string) broker.Teardown
		Offer(from, to string) error
		Answer(from, to string) error
		VerifyPeer(connID string) bool
		End(from, to string) []string
		Connected(connID string) bool
		JoinGroup(groupID, connID string) []string
		LeaveGroup(groupID, connID string) []string
		Send(ctx context.Context, ev model.Event) bool
		SendMany(ctx context.Context, ev model.Event, connIDs []string)
		Broadcast(ctx context.Context, ev model.Event, except ...string)
	}

	// Sanitizer cleans untrusted text before it is stored or relayed.
	// Encrypted or opaque payloads never pass through it.
	Sanitizer func(string) string

	Config struct {
		Registry    SessionRegistry
		History     History
		Rooms       RoomStore
		Broker      Broker
		Sanitize    Sanitizer
		ReplayLimit int
		Logger      *zerolog.Logger
	}

	// Service is the event dispatcher: it owns the mapping from event
	// type to handler, validates payload shape, and decides whether a
	// result fans out globally, to one addressed session, or to one
	// room's members.
	Service struct {
		registry    SessionRegistry
		history     History
		rooms       RoomStore
		broker      Broker
		sanitize    Sanitizer
		replayLimit int
		logger      zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	sanitize := cfg.Sanitize
	if sanitize == nil {
		sanitize = func(s string) string { return s }
	}
	return &Service{
		registry:    cfg.Registry,
		history:     cfg.History,
		rooms:       cfg.Rooms,
		broker:      cfg.Broker,
		sanitize:    sanitize,
		replayLimit: cfg.ReplayLimit,
		logger:      cfg.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Connect attaches the wire and starts consuming its inbound events.
// One goroutine per connection keeps events from a single connection
// strictly in arrival order while connections stay concurrent.
func (svc *Service) Connect(ctx context.Context, connID string, wire model.Wire) error {
	svc.broker.Attach(connID, wire)
	go svc.eventLoop(ctx, connID, wire.RX)
	svc.logger.Debug().Str("connID", connID).Msg("connection accepted")
	return nil
}

// Disconnect runs full cleanup for a closed connection: session,
// room memberships and call states. Safe to call more than once and
// for connections that never registered.
func (svc *Service) Disconnect(ctx context.Context, connID string) error {
	td := svc.broker.Disconnect(connID)
	svc.notifyTeardown(ctx, connID, td)
	svc.dropPresence(ctx, connID)
	svc.logger.Debug().Str("connID", connID).Msg("connection cleaned up")
	return nil
}

// Stats reports current session and room counts.
func (svc *Service) Stats() (users, rooms int) {
	return svc.registry.Len(), svc.rooms.Len()
}

func (svc *Service) ListRooms() []model.Room {
	return svc.rooms.List()
}

func (svc *Service) eventLoop(ctx context.Context, connID string, rx <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rx:
			if !ok {
				return
			}
			svc.dispatch(ctx, connID, ev)
		}
	}
}

func (svc *Service) dispatch(ctx context.Context, connID string, ev model.Event) {
	// A handler crash must stay scoped to this one event. Leaf
	// components mutate state only inside their own locks, so a
	// recovered panic cannot leave shared structures inconsistent.
	defer func() {
		if p := recover(); p != nil {
			svc.logger.Error().
				Str("connID", connID).
				Str("type", ev.Type).
				Any("panic", p).
				Msg("event handler crashed")
		}
	}()

	ev.From = connID // never trust client-supplied identity

	var err error
	switch ev.Type {
	case model.EventRegister:
		err = svc.handleRegister(ctx, connID, ev)
	case model.EventLogout:
		err = svc.handleLogout(ctx, connID)
	case model.EventChatMessage:
		err = svc.handleChatMessage(ctx, connID, ev)
	case model.EventEditMessage:
		err = svc.handleEditMessage(ctx, connID, ev)
	case model.EventDeleteMessage:
		err = svc.handleDeleteMessage(ctx, connID, ev)
	case model.EventOffer:
		err = svc.handleOffer(ctx, connID, ev)
	case model.EventAnswer:
		err = svc.handleAnswer(ctx, connID, ev)
	case model.EventICECandidate:
		err = svc.handleICECandidate(ctx, connID, ev)
	case model.EventCallEnd:
		err = svc.handleCallEnd(ctx, connID, ev)
	case model.EventCreateRoom:
		err = svc.handleCreateRoom(ctx, connID, ev)
	case model.EventJoinRoom:
		err = svc.handleJoinRoom(ctx, connID, ev)
	case model.EventLeaveRoom:
		err = svc.handleLeaveRoom(ctx, connID, ev)
	case model.EventJoinGroupCall:
		err = svc.handleJoinGroupCall(ctx, connID, ev)
	case model.EventAnswerGroup:
		err = svc.handleAnswerGroupCall(ctx, connID, ev)
	case model.EventLeaveGroupCall:
		err = svc.handleLeaveGroupCall(ctx, connID, ev)
	default:
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", ev.Type).
			Msg("unknown event type")
		return
	}

	if err != nil {
		svc.logger.Debug().
			Err(err).
			Str("connID", connID).
			Str("type", ev.Type).
			Msg("event rejected")
		svc.sendError(ctx, connID, err)
	}
}

type (
	registerPayload struct {
		Name string `json:"name"`
	}

	chatPayload struct {
		Kind     string `json:"type"`
		Content  string `json:"content"`
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
		FileData string `json:"fileData"`
	}

	editPayload struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		FileData string `json:"fileData"`
	}

	deletePayload struct {
		ID string `json:"id"`
	}

	createRoomPayload struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}

	roomPayload struct {
		RoomID string `json:"roomId"`
	}

	peerPayload struct {
		To string `json:"to"`
	}

	groupCallPayload struct {
		GroupID string `json:"groupId"`
	}

	initPayload struct {
		Messages []model.Message `json:"messages"`
		Users    []model.Session `json:"users"`
	}

	errorPayload struct {
		Error string `json:"error"`
	}

	leftCallPayload struct {
		User    string `json:"user"`
		GroupID string `json:"groupId,omitempty"`
	}
)

func (svc *Service) handleRegister(ctx context.Context, connID string, ev model.Event) error {
	var p registerPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	users, err := svc.registry.Register(connID, p.Name)
	if err != nil {
		svc.broker.Send(ctx, model.NewEvent(model.EventRegistrationError, "", connID, errorPayload{Error: err.Error()}))
		return nil
	}

	svc.broker.Send(ctx, model.NewEvent(model.EventInit, "", connID, initPayload{
		Messages: svc.history.Recent(svc.replayLimit),
		Users:    users,
	}))
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventUserJoined, "", "", p.Name), connID)
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventUsers, "", "", users))

	svc.logger.Info().Str("username", p.Name).Str("connID", connID).Msg("user registered")
	return nil
}

func (svc *Service) handleLogout(ctx context.Context, connID string) error {
	td := svc.broker.EndAll(connID)
	svc.notifyTeardown(ctx, connID, td)
	svc.dropPresence(ctx, connID)
	return nil
}

func (svc *Service) handleChatMessage(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p chatPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	msg, err := svc.history.Append(model.Message{
		Kind:     p.Kind,
		Username: sess.Name,
		Content:  svc.sanitizeFor(p.Kind, p.Content),
		FileName: svc.sanitize(p.FileName),
		FileType: p.FileType,
		FileData: p.FileData,
	})
	if err != nil {
		return err
	}

	svc.broker.Broadcast(ctx, model.NewEvent(model.EventChatMessage, "", "", msg))
	svc.logger.Info().Str("username", sess.Name).Str("kind", msg.Kind).Msg("message relayed")
	return nil
}

func (svc *Service) handleEditMessage(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p editPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	msg, err := svc.history.Edit(p.ID, sess.Name, svc.sanitize(p.Content), p.FileData)
	if err != nil {
		return err
	}
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventEditMessage, "", "", msg))
	return nil
}

func (svc *Service) handleDeleteMessage(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p deletePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	if err := svc.history.Delete(p.ID, sess.Name); err != nil {
		return err
	}
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventDeleteMessage, "", "", deletePayload{ID: p.ID}))
	return nil
}

func (svc *Service) handleOffer(ctx context.Context, connID string, ev model.Event) error {
	if !svc.registry.IsRegistered(connID) {
		return ErrNotRegistered
	}
	switch err := svc.broker.Offer(connID, ev.To); {
	case errors.Is(err, broker.ErrPeerUnavailable):
		svc.broker.Send(ctx, model.NewEvent(model.EventPeerUnavailable, "", connID, peerPayload{To: ev.To}))
		return nil
	case err != nil:
		return err
	}
	svc.relay(ctx, connID, ev)
	return nil
}

func (svc *Service) handleAnswer(ctx context.Context, connID string, ev model.Event) error {
	if !svc.registry.IsRegistered(connID) {
		return ErrNotRegistered
	}
	if err := svc.broker.Answer(connID, ev.To); err != nil {
		if errors.Is(err, broker.ErrPeerUnavailable) {
			svc.broker.Send(ctx, model.NewEvent(model.EventPeerUnavailable, "", connID, peerPayload{To: ev.To}))
			return nil
		}
		return err
	}
	svc.relay(ctx, connID, ev)

	svc.registry.SetInCall(connID, true)
	svc.registry.SetInCall(ev.To, true)
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventUsers, "", "", svc.registry.List()))
	return nil
}

func (svc *Service) handleICECandidate(ctx context.Context, connID string, ev model.Event) error {
	if !svc.registry.IsRegistered(connID) {
		return ErrNotRegistered
	}
	if !svc.broker.VerifyPeer(ev.To) {
		svc.broker.Send(ctx, model.NewEvent(model.EventPeerUnavailable, "", connID, peerPayload{To: ev.To}))
		return nil
	}
	svc.relay(ctx, connID, ev)
	return nil
}

func (svc *Service) handleCallEnd(ctx context.Context, connID string, ev model.Event) error {
	peers := svc.broker.End(connID, ev.To)
	for _, peer := range peers {
		svc.broker.Send(ctx, model.NewEvent(model.EventCallEnded, connID, peer, nil))
		svc.registry.SetInCall(peer, svc.broker.Connected(peer))
	}
	svc.registry.SetInCall(connID, svc.broker.Connected(connID))
	svc.broker.Broadcast(ctx, model.NewEvent(model.EventUsers, "", "", svc.registry.List()))
	return nil
}

func (svc *Service) handleCreateRoom(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p createRoomPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	members := make([]model.Participant, 0, len(p.Members))
	for _, name := range p.Members {
		memberID, found := svc.registry.LookupName(name)
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownMember, name)
		}
		members = append(members, model.Participant{ID: memberID, Name: name})
	}

	room, err := svc.rooms.CreateRoom(p.Name, model.Participant{ID: connID, Name: sess.Name}, members)
	if err != nil {
		return err
	}
	svc.broker.SendMany(ctx, model.NewEvent(model.EventRoomJoined, "", "", room), room.MemberIDs())
	svc.logger.Info().Str("room", room.Name).Str("owner", sess.Name).Msg("room created")
	return nil
}

func (svc *Service) handleJoinRoom(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p roomPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	room, err := svc.rooms.Join(p.RoomID, model.Participant{ID: connID, Name: sess.Name})
	if err != nil {
		return err
	}
	svc.broker.SendMany(ctx, model.NewEvent(model.EventRoomJoined, "", "", room), room.MemberIDs())
	return nil
}

func (svc *Service) handleLeaveRoom(ctx context.Context, connID string, ev model.Event) error {
	var p roomPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	room, deleted, err := svc.rooms.Leave(p.RoomID, connID)
	if err != nil {
		return err
	}
	svc.broker.Send(ctx, model.NewEvent(model.EventRoomLeft, "", connID, room))
	if !deleted {
		svc.broker.SendMany(ctx, model.NewEvent(model.EventRoomLeft, "", "", room), room.MemberIDs())
	}
	return nil
}

func (svc *Service) handleJoinGroupCall(ctx context.Context, connID string, ev model.Event) error {
	if !svc.registry.IsRegistered(connID) {
		return ErrNotRegistered
	}
	var p groupCallPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	others := svc.broker.JoinGroup(p.GroupID, connID)
	if ev.To != "" {
		// Targeted join carries the joiner's signal for one member.
		svc.relayAs(ctx, connID, ev, model.EventUserJoinedCall)
		return nil
	}
	svc.broker.SendMany(ctx, model.NewEvent(model.EventUserJoinedCall, connID, "", ev.Payload), others)
	return nil
}

func (svc *Service) handleAnswerGroupCall(ctx context.Context, connID string, ev model.Event) error {
	if !svc.registry.IsRegistered(connID) {
		return ErrNotRegistered
	}
	if !svc.broker.VerifyPeer(ev.To) {
		svc.broker.Send(ctx, model.NewEvent(model.EventPeerUnavailable, "", connID, peerPayload{To: ev.To}))
		return nil
	}
	svc.relayAs(ctx, connID, ev, model.EventGroupCallAccepted)
	return nil
}

func (svc *Service) handleLeaveGroupCall(ctx context.Context, connID string, ev model.Event) error {
	sess, ok := svc.registry.Lookup(connID)
	if !ok {
		return ErrNotRegistered
	}
	var p groupCallPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	remaining := svc.broker.LeaveGroup(p.GroupID, connID)
	svc.broker.SendMany(ctx,
		model.NewEvent(model.EventUserLeftCall, connID, "", leftCallPayload{User: sess.Name, GroupID: p.GroupID}),
		remaining)
	return nil
}

// relay forwards the inbound event verbatim to ev.To, with From set
// to the sender's connection id. The payload is never inspected.
func (svc *Service) relay(ctx context.Context, connID string, ev model.Event) {
	svc.broker.Send(ctx, model.Event{
		Type:    ev.Type,
		To:      ev.To,
		From:    connID,
		Payload: ev.Payload,
	})
}

func (svc *Service) relayAs(ctx context.Context, connID string, ev model.Event, outType string) {
	svc.broker.Send(ctx, model.Event{
		Type:    outType,
		To:      ev.To,
		From:    connID,
		Payload: ev.Payload,
	})
}

// dropPresence removes the session and room memberships and tells the
// world. Call either on logout or transport disconnect.
func (svc *Service) dropPresence(ctx context.Context, connID string) {
	name, wasRegistered := svc.registry.Unregister(connID)
	for _, room := range svc.rooms.RemoveAll(connID) {
		svc.broker.SendMany(ctx, model.NewEvent(model.EventRoomLeft, "", "", &room), room.MemberIDs())
	}
	if wasRegistered {
		svc.broker.Broadcast(ctx, model.NewEvent(model.EventUserLeft, "", "", name), connID)
		svc.broker.Broadcast(ctx, model.NewEvent(model.EventUsers, "", "", svc.registry.List()), connID)
		svc.logger.Info().Str("username", name).Msg("user left")
	}
}

// notifyTeardown delivers the call-ended and left-call notifications
// produced by a broker teardown, exactly once per peer.
func (svc *Service) notifyTeardown(ctx context.Context, connID string, td broker.Teardown) {
	name := connID
	if sess, ok := svc.registry.Lookup(connID); ok {
		name = sess.Name
	}
	for _, peer := range td.Peers {
		svc.broker.Send(ctx, model.NewEvent(model.EventCallEnded, connID, peer, nil))
		svc.registry.SetInCall(peer, svc.broker.Connected(peer))
	}
	for groupID, members := range td.Groups {
		svc.broker.SendMany(ctx,
			model.NewEvent(model.EventUserLeftCall, connID, "", leftCallPayload{User: name, GroupID: groupID}),
			members)
	}
}

func (svc *Service) sanitizeFor(kind, content string) string {
	if kind == model.KindText || kind == model.KindGif {
		return svc.sanitize(content)
	}
	return content
}

func (svc *Service) sendError(ctx context.Context, connID string, err error) {
	svc.broker.Send(ctx, model.NewEvent(model.EventError, "", connID, errorPayload{Error: err.Error()}))
}
