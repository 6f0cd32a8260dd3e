package moore

import "github.com/agentrt/moore/internal"

// ErrorKind distinguishes the failure origins the core tells apart: a
// thrown transition, a thrown effectsAt, a rejected effect start, a
// panicking cancel, a duplicate effect key, or a panicking subscriber
// handler.
type ErrorKind = internal.ErrorKind

const (
	TransitionFailure  = internal.TransitionFailure
	EffectsAtFailure   = internal.EffectsAtFailure
	StartFailure       = internal.StartFailure
	CancelFailure      = internal.CancelFailure
	DuplicateEffectKey = internal.DuplicateEffectKey
	SubscriberFailure  = internal.SubscriberFailure
)

// Error is the value handed to an ErrorSink. Key is nil when the failure
// isn't attributable to one effect.
type Error = internal.CoreError

// ErrorSink receives every error the core swallows rather than panicking
// or surfacing synchronously to Dispatch's caller. A nil sink logs and
// otherwise drops errors.
type ErrorSink = internal.ErrorSink
