package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jesusiunchatnoir/contact-cnt-ait/backend/model"
	"github.com/rs/zerolog"
)

const defaultFwdTimeout = time.Second

var (
	ErrPeerUnavailable = errors.New("peer is not connected")
	ErrPeerBusy        = errors.New("peer is already in a call")
)

type phase int

const (
	phaseRinging phase = iota
	phaseConnected
)

// pairCall is shared by both ends of a call, so a transition observed
// through either connection id is a transition for the pair.
type pairCall struct {
	caller string
	callee string
	phase  phase
	timer  *time.Timer
}

func (c *pairCall) other(connID string) string {
	if c.caller == connID {
		return c.callee
	}
	return c.caller
}

// Teardown lists who must be notified after a connection's calls are
// destroyed.
type Teardown struct {
	Peers  []string            // pair-call peers, call ended
	Groups map[string][]string // group id -> remaining call members
}

type Config struct {
	Logger         *zerolog.Logger
	AllowMultiCall bool
	RingingTimeout time.Duration
}

// Broker owns the per-connection wires and the call state keyed by
// (caller, callee) pair or (member, group). It relays signaling
// payloads verbatim and never inspects them.
type Broker struct {
	logger         zerolog.Logger
	mx             *sync.RWMutex
	wires          map[string]model.Wire
	pairs          map[string]map[string]*pairCall
	groups         map[string]map[string]struct{}
	allowMulti     bool
	ringingTimeout time.Duration
}

func New(cfg Config) *Broker {
	return &Broker{
		logger:         cfg.Logger.With().Str("component", "broker").Logger(),
		mx:             &sync.RWMutex{},
		wires:          make(map[string]model.Wire),
		pairs:          make(map[string]map[string]*pairCall),
		groups:         make(map[string]map[string]struct{}),
		allowMulti:     cfg.AllowMultiCall,
		ringingTimeout: cfg.RingingTimeout,
	}
}

func (b *Broker) Attach(connID string, wire model.Wire) {
	b.mx.Lock()
	b.wires[connID] = wire
	b.mx.Unlock()
	b.logger.Debug().Str("connID", connID).Msg("wire attached")
}

// Disconnect removes the wire and destroys every call state involving
// connID. Idempotent: a second call returns an empty teardown.
func (b *Broker) Disconnect(connID string) Teardown {
	b.mx.Lock()
	defer b.mx.Unlock()

	delete(b.wires, connID)
	b.logger.Debug().Str("connID", connID).Msg("wire detached")
	return b.endAll(connID)
}

// EndAll destroys every call state involving connID but keeps its
// wire attached. Used for logout.
func (b *Broker) EndAll(connID string) Teardown {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.endAll(connID)
}

func (b *Broker) endAll(connID string) Teardown {
	td := Teardown{Groups: make(map[string][]string)}

	for peer, call := range b.pairs[connID] {
		b.dropPair(call)
		if _, alive := b.wires[peer]; alive {
			td.Peers = append(td.Peers, peer)
		}
	}
	for groupID, members := range b.groups {
		if _, ok := members[connID]; !ok {
			continue
		}
		delete(members, connID)
		if len(members) == 0 {
			delete(b.groups, groupID)
			continue
		}
		for m := range members {
			td.Groups[groupID] = append(td.Groups[groupID], m)
		}
	}
	return td
}

// Offer verifies the callee and moves the pair to ringing. The caller
// is stranded forever otherwise, so a ringing timer (when configured)
// ends the call and notifies both ends on expiry.
func (b *Broker) Offer(from, to string) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if _, ok := b.wires[to]; !ok {
		return ErrPeerUnavailable
	}
	if !b.allowMulti && b.connected(to) {
		return ErrPeerBusy
	}

	call := &pairCall{caller: from, callee: to, phase: phaseRinging}
	if b.ringingTimeout > 0 {
		call.timer = time.AfterFunc(b.ringingTimeout, func() {
			b.expire(call)
		})
	}
	b.setPair(from, to, call)
	return nil
}

// Answer moves the pair to connected and stops the ringing timer.
func (b *Broker) Answer(from, to string) error {
	b.mx.Lock()
	defer b.mx.Unlock()

	if _, ok := b.wires[to]; !ok {
		return ErrPeerUnavailable
	}
	call, ok := b.pairs[from][to]
	if !ok {
		// Answer raced ahead of state we never saw; treat the pair as
		// established rather than rejecting an observable call.
		call = &pairCall{caller: to, callee: from}
		b.setPair(from, to, call)
	}
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	call.phase = phaseConnected
	return nil
}

// VerifyPeer reports whether a relay target has a live wire.
func (b *Broker) VerifyPeer(connID string) bool {
	b.mx.RLock()
	defer b.mx.RUnlock()
	_, ok := b.wires[connID]
	return ok
}

// End terminates the pair call between from and to (or all of from's
// pair calls when to is empty) and returns the peers to notify.
func (b *Broker) End(from, to string) []string {
	b.mx.Lock()
	defer b.mx.Unlock()

	var peers []string
	for peer, call := range b.pairs[from] {
		if to != "" && peer != to {
			continue
		}
		b.dropPair(call)
		if _, alive := b.wires[peer]; alive {
			peers = append(peers, peer)
		}
	}
	return peers
}

// Connected reports whether connID has at least one established pair
// call. Ringing does not count: in_call is set on answer.
func (b *Broker) Connected(connID string) bool {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.connected(connID)
}

// JoinGroup adds connID to a group call and returns the other current
// call members.
func (b *Broker) JoinGroup(groupID, connID string) []string {
	b.mx.Lock()
	defer b.mx.Unlock()

	members, ok := b.groups[groupID]
	if !ok {
		members = make(map[string]struct{})
		b.groups[groupID] = members
	}
	others := make([]string, 0, len(members))
	for m := range members {
		if m != connID {
			others = append(others, m)
		}
	}
	members[connID] = struct{}{}
	return others
}

// LeaveGroup removes connID from a group call and returns the
// remaining members. Leaving destroys only this member's state; the
// call goes on for the others.
func (b *Broker) LeaveGroup(groupID, connID string) []string {
	b.mx.Lock()
	defer b.mx.Unlock()

	members, ok := b.groups[groupID]
	if !ok {
		return nil
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(b.groups, groupID)
		return nil
	}
	remaining := make([]string, 0, len(members))
	for m := range members {
		remaining = append(remaining, m)
	}
	return remaining
}

// Send forwards ev to the connection addressed by ev.To. Returns
// false when the target has no wire or the send timed out.
func (b *Broker) Send(ctx context.Context, ev model.Event) bool {
	b.mx.RLock()
	wire, ok := b.wires[ev.To]
	b.mx.RUnlock()

	if !ok {
		b.logger.Debug().
			Str("type", ev.Type).
			Str("dst", ev.To).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, ev, wire.TX, &b.logger)
	return sent
}

// SendMany forwards ev to each listed connection.
func (b *Broker) SendMany(ctx context.Context, ev model.Event, connIDs []string) {
	for _, connID := range connIDs {
		ev.To = connID
		if _, canceled := b.sendTo(ctx, ev, connID); canceled {
			return
		}
	}
}

// Broadcast forwards ev to every attached wire except the listed
// connection ids.
func (b *Broker) Broadcast(ctx context.Context, ev model.Event, except ...string) {
	b.mx.RLock()
	targets := make([]string, 0, len(b.wires))
outer:
	for connID := range b.wires {
		for _, ex := range except {
			if connID == ex {
				continue outer
			}
		}
		targets = append(targets, connID)
	}
	b.mx.RUnlock()

	for _, connID := range targets {
		ev.To = connID
		if _, canceled := b.sendTo(ctx, ev, connID); canceled {
			return
		}
	}
}

func (b *Broker) sendTo(ctx context.Context, ev model.Event, connID string) (bool, bool) {
	b.mx.RLock()
	wire, ok := b.wires[connID]
	b.mx.RUnlock()
	if !ok {
		return false, false
	}
	return send(ctx, ev, wire.TX, &b.logger)
}

// expire fires on a ringing timeout: clears the pair and tells both
// ends the call ended, as if the callee rejected.
func (b *Broker) expire(call *pairCall) {
	b.mx.Lock()
	cur, ok := b.pairs[call.caller][call.callee]
	if !ok || cur != call || cur.phase != phaseRinging {
		b.mx.Unlock()
		return
	}
	b.dropPair(call)
	b.mx.Unlock()

	b.logger.Debug().
		Str("caller", call.caller).
		Str("callee", call.callee).
		Msg("ringing timed out")

	ctx, cancel := context.WithTimeout(context.Background(), defaultFwdTimeout)
	defer cancel()
	b.sendTo(ctx, model.NewEvent(model.EventCallEnded, call.callee, call.caller, nil), call.caller)
	b.sendTo(ctx, model.NewEvent(model.EventCallEnded, call.caller, call.callee, nil), call.callee)
}

func (b *Broker) connected(connID string) bool {
	for _, call := range b.pairs[connID] {
		if call.phase == phaseConnected {
			return true
		}
	}
	return false
}

func (b *Broker) setPair(a, c string, call *pairCall) {
	for _, connID := range []string{a, c} {
		peers, ok := b.pairs[connID]
		if !ok {
			peers = make(map[string]*pairCall)
			b.pairs[connID] = peers
		}
		peers[call.other(connID)] = call
	}
}

func (b *Broker) dropPair(call *pairCall) {
	if call.timer != nil {
		call.timer.Stop()
		call.timer = nil
	}
	delete(b.pairs[call.caller], call.callee)
	delete(b.pairs[call.callee], call.caller)
	if len(b.pairs[call.caller]) == 0 {
		delete(b.pairs, call.caller)
	}
	if len(b.pairs[call.callee]) == 0 {
		delete(b.pairs, call.callee)
	}
}

func send(ctx context.Context, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", ev.To).Msg("dead endpoint")
	case tx <- ev:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
