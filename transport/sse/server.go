// Package sse exposes a Machine over HTTP using Server-Sent Events: GET
// /events streams the initial state followed by every subsequent
// state-updated event, and POST /signals accepts a JSON-encoded signal to
// dispatch. A Machine has no notion of HTTP, sessions, or wire formats, so
// this lives entirely outside the core engine as a reference collaborator.
package sse

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/agentrt/moore"
	"github.com/agentrt/moore/internal"
)

// Dispatcher is the subset of moore.Machine the server needs.
type Dispatcher[S any, Sig any, D any] interface {
	Dispatch(Sig)
	GetState() S
	Subscribe(func(moore.Event[S, Sig, D])) func()
}

// Server adapts a Machine to HTTP. Zero value is not usable; construct
// with NewServer.
type Server[S any, Sig any, D any] struct {
	machine Dispatcher[S, Sig, D]
	log     *logrus.Entry
}

// NewServer builds a Server around machine and registers its routes on a
// fresh mux.Router, grounded on juju's apiserver mux-router-per-facade
// layout: one small router per collaborator rather than one global mux.
func NewServer[S any, Sig any, D any](machine Dispatcher[S, Sig, D]) (*Server[S, Sig, D], *mux.Router) {
	s := &Server[S, Sig, D]{
		machine: machine,
		log:     logrus.WithField("component", "sse_transport"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/signals", s.handleDispatch).Methods(http.MethodPost)
	return s, r
}

func (s *Server[S, Sig, D]) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	disposer := internal.NewDisposer()
	defer disposer.Dispose()

	if err := s.writeEvent(w, "state", s.machine.GetState()); err != nil {
		s.log.WithError(err).Warn("failed writing initial SSE event")
		return
	}
	flusher.Flush()

	unsubscribe := s.machine.Subscribe(func(ev moore.Event[S, Sig, D]) {
		if ev.Kind != moore.StateUpdated {
			return
		}
		if err := s.writeEvent(w, "state", ev.State); err != nil {
			s.log.WithError(err).Warn("failed writing SSE event")
			return
		}
		flusher.Flush()
	})
	disposer.OnDispose(unsubscribe)

	<-r.Context().Done()
}

func (s *Server[S, Sig, D]) writeEvent(w http.ResponseWriter, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal SSE payload")
	}
	if _, err := w.Write([]byte("event: " + name + "\ndata: " + string(body) + "\n\n")); err != nil {
		return errors.Wrap(err, "write SSE frame")
	}
	return nil
}

func (s *Server[S, Sig, D]) handleDispatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var sig Sig
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, errors.Wrap(err, "decode signal").Error(), http.StatusBadRequest)
		return
	}
	s.machine.Dispatch(sig)
	w.WriteHeader(http.StatusAccepted)
}
