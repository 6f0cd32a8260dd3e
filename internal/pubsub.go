package internal

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Token identifies a subscription so it can be removed later.
type Token string

func newToken() Token {
	return Token(uuid.NewString())
}

// AggregateError collects every error a single Publish call produced, so a
// handler panicking doesn't stop its siblings from running and no failure
// is silently dropped.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	msg := "multiple subscriber errors:"
	for _, err := range e.Errors {
		msg += " " + err.Error() + ";"
	}
	return msg
}

func (e *AggregateError) Unwrap() []error { return e.Errors }

// PubSub fans a value out to zero or more handlers, synchronously, in
// insertion order. A handler that unsubscribes itself mid-publish is still
// invoked for the in-flight value; a handler subscribed during publish
// does not receive the in-flight value.
type PubSub[T any] struct {
	mu       sync.Mutex
	order    []Token
	handlers map[Token]func(T)
}

// NewPubSub creates an empty publish/subscribe hub.
func NewPubSub[T any]() *PubSub[T] {
	return &PubSub[T]{
		handlers: make(map[Token]func(T)),
	}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (p *PubSub[T]) Subscribe(handler func(T)) (Token, func()) {
	p.mu.Lock()
	token := newToken()
	p.handlers[token] = handler
	p.order = append(p.order, token)
	p.mu.Unlock()

	return token, func() { p.Unsubscribe(token) }
}

// Unsubscribe removes a handler. Safe to call more than once.
func (p *PubSub[T]) Unsubscribe(token Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handlers[token]; !ok {
		return
	}
	delete(p.handlers, token)

	for i, t := range p.order {
		if t == token {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Publish invokes every handler registered at the time of the call, in
// insertion order. Handlers subscribed from within another handler during
// this publish are not invoked for this value (their subscription is
// snapshotted out). Errors from panicking handlers are recovered, collected,
// and re-raised together after every handler has run.
func (p *PubSub[T]) Publish(v T) error {
	p.mu.Lock()
	snapshot := make([]func(T), 0, len(p.order))
	for _, token := range p.order {
		if h, ok := p.handlers[token]; ok {
			snapshot = append(snapshot, h)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, handler := range snapshot {
		if err := invoke(handler, v); err != nil {
			errs = append(errs, err)
		}
	}

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &AggregateError{Errors: errs}
	}
}

func invoke[T any](handler func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("pubsub handler panicked: %v", r)
		}
	}()

	handler(v)
	return nil
}

// Len reports the current number of subscribed handlers. Used by tests to
// check that unsubscribing and closing a stream remove handlers.
func (p *PubSub[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
