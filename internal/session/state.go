package session

import (
	"fmt"
	"time"

	"github.com/NamanBalaji/blobxfer/pkg/wire"
)

// State is a node of the session state machine.
type State struct {
	ID   uint
	Name string
}

func (s State) String() string {
	return s.Name
}

var (
	StateConnecting    = State{ID: 0, Name: "Connecting"}
	StateHandshaking   = State{ID: 1, Name: "Handshaking"}
	StateIdle          = State{ID: 2, Name: "Idle"}
	StateAwaitingBlock = State{ID: 3, Name: "AwaitingBlock"}
	StateClosed        = State{ID: 4, Name: "Closed"}
)

// Event drives a transition. Sent and received packets are distinct events.
type Event string

const (
	EventSendHello Event = "send-hello"
	EventRecvHello Event = "recv-hello"
	EventSendNop   Event = "send-nop"
	EventRecvNop   Event = "recv-nop"
	EventSendAsk   Event = "send-ask"
	EventRecvAsk   Event = "recv-ask"
	EventRecvReply Event = "recv-ask-reply"
	EventClose     Event = "close"
)

// ErrUnexpected reports an event that is not allowed in the current state.
var ErrUnexpected = fmt.Errorf("%w: unexpected packet", wire.ErrProtocol)

// StateMapEntry lists the allowed events of a state. Timeout bounds how long
// the session may stay in the state without the expected bytes arriving.
type StateMapEntry struct {
	Transitions map[Event]State
	Timeout     time.Duration
}

type StateMap map[State]StateMapEntry

// NewStateMap builds the transition table with the given timeouts. Every
// state but Closed accepts EventClose.
func NewStateMap(handshake, idle, request time.Duration) StateMap {
	return StateMap{
		StateConnecting: {
			Transitions: map[Event]State{
				EventSendHello: StateHandshaking,
				EventClose:     StateClosed,
			},
			Timeout: handshake,
		},
		StateHandshaking: {
			Transitions: map[Event]State{
				EventRecvHello: StateIdle,
				EventClose:     StateClosed,
			},
			Timeout: handshake,
		},
		StateIdle: {
			Transitions: map[Event]State{
				EventSendNop: StateIdle,
				EventRecvNop: StateIdle,
				EventRecvAsk: StateIdle,
				EventSendAsk: StateAwaitingBlock,
				EventClose:   StateClosed,
			},
			Timeout: idle,
		},
		StateAwaitingBlock: {
			// The remote keeps its own state, so its keep-alives and asks
			// may arrive while our ask is outstanding.
			Transitions: map[Event]State{
				EventRecvNop:   StateAwaitingBlock,
				EventRecvAsk:   StateAwaitingBlock,
				EventRecvReply: StateIdle,
				EventClose:     StateClosed,
			},
			Timeout: request,
		},
		StateClosed: {
			Transitions: map[Event]State{},
		},
	}
}

// Next returns the state reached from cur on ev.
func (m StateMap) Next(cur State, ev Event) (State, error) {
	entry, ok := m[cur]
	if !ok {
		return cur, fmt.Errorf("%w: unknown state %s", ErrUnexpected, cur)
	}

	next, ok := entry.Transitions[ev]
	if !ok {
		return cur, fmt.Errorf("%w: %s in state %s", ErrUnexpected, ev, cur)
	}

	return next, nil
}

// Timeout returns the deadline duration of st.
func (m StateMap) Timeout(st State) time.Duration {
	return m[st].Timeout
}
