package internal

// EventKind tags the four event shapes the facade multiplexes.
type EventKind int

const (
	SignalReceived EventKind = iota
	StateUpdated
	EffectStarted
	EffectCancelled
)

func (k EventKind) String() string {
	switch k {
	case SignalReceived:
		return "signal-received"
	case StateUpdated:
		return "state-updated"
	case EffectStarted:
		return "effect-started"
	case EffectCancelled:
		return "effect-cancelled"
	default:
		return "unknown"
	}
}

// Event is the single multiplexed event type handed to Machine subscribers.
// Exactly one of the Signal/State/Key+Descriptor fields is meaningful,
// selected by Kind.
type Event[S any, Sig any, D any] struct {
	Kind       EventKind
	Signal     Sig
	State      S
	Key        Key
	Descriptor D
}

// EventStream multiplexes signal-received, state-updated, effect-started,
// and effect-cancelled into a single feed. It is a thin typed wrapper over
// PubSub, kept as its own type so Machine has one subscribe surface
// regardless of which underlying component produced the event.
type EventStream[S any, Sig any, D any] struct {
	pubsub *PubSub[Event[S, Sig, D]]
}

// NewEventStream creates an empty event stream.
func NewEventStream[S any, Sig any, D any]() *EventStream[S, Sig, D] {
	return &EventStream[S, Sig, D]{pubsub: NewPubSub[Event[S, Sig, D]]()}
}

// Subscribe registers handler and returns an unsubscribe function.
func (e *EventStream[S, Sig, D]) Subscribe(handler func(Event[S, Sig, D])) func() {
	_, unsub := e.pubsub.Subscribe(handler)
	return unsub
}

func (e *EventStream[S, Sig, D]) emit(ev Event[S, Sig, D]) error {
	return e.pubsub.Publish(ev)
}

// EmitSignalReceived publishes a signal-received event.
func (e *EventStream[S, Sig, D]) EmitSignalReceived(sig Sig) error {
	return e.emit(Event[S, Sig, D]{Kind: SignalReceived, Signal: sig})
}

// EmitStateUpdated publishes a state-updated event.
func (e *EventStream[S, Sig, D]) EmitStateUpdated(s S) error {
	return e.emit(Event[S, Sig, D]{Kind: StateUpdated, State: s})
}

// EmitEffectStarted publishes an effect-started event.
func (e *EventStream[S, Sig, D]) EmitEffectStarted(key Key, d D) error {
	return e.emit(Event[S, Sig, D]{Kind: EffectStarted, Key: key, Descriptor: d})
}

// EmitEffectCancelled publishes an effect-cancelled event.
func (e *EventStream[S, Sig, D]) EmitEffectCancelled(key Key, d D) error {
	return e.emit(Event[S, Sig, D]{Kind: EffectCancelled, Key: key, Descriptor: d})
}
