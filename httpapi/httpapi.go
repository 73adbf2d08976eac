// Package httpapi is a deliberately thin HTTP/SSE adapter over the core
// pipeline (spec.md §1 calls the HTTP surface itself out of scope; this
// package only demonstrates how an external collaborator would consume
// orchestrator.Orchestrator, livebus.Bus, and session.Manager through
// ordinary Go interfaces).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	metrics "github.com/docker/go-metrics"
	"github.com/golang/gddo/httputil/header"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p3tap/p3tap/orchestrator"
	"github.com/p3tap/p3tap/printer"
	"github.com/p3tap/p3tap/session"
)

// Server wires a gorilla/mux router to an Orchestrator. It owns no state
// of its own beyond the router.
type Server struct {
	orch   *orchestrator.Orchestrator
	router *mux.Router
}

// NewServer builds the router. Handlers are registered eagerly so one
// Server can be reused across ListenAndServe calls in tests.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch, router: mux.NewRouter().StrictSlash(true)}

	s.router.Handle("/status", httpHandler(s.status)).Methods("GET")
	s.router.Handle("/sessions", httpHandler(s.listSessions)).Methods("GET")
	s.router.HandleFunc("/sessions/{id}/frames", s.streamFrames).Methods("GET")
	s.router.HandleFunc("/live", s.live).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.Handle("/metrics/connections", promhttp.HandlerFor(orch.PromRegistry(), promhttp.HandlerOpts{})).Methods("GET")

	return s
}

// ServeHTTP lets Server stand in directly for http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// httpRequestHandler mirrors the teacher's daemon/run.go request-handler
// shape: a plain function from *http.Request to an HTTPResponse, wrapped
// into an http.Handler once by httpHandler.
type httpRequestHandler func(*http.Request) HTTPResponse

func httpHandler(h httpRequestHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h(r).Write(w)
	})
}

// HTTPResponse is a status code plus a pre-serialized JSON body, written
// verbatim by Write. Adapted from the teacher's daemon.HTTPResponse.
type HTTPResponse struct {
	StatusCode int
	Body       []byte
}

func (resp HTTPResponse) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func jsonResponse(status int, body interface{}) HTTPResponse {
	b, err := json.Marshal(body)
	if err != nil {
		printer.Errorf("httpapi: failed to serialize response body: %v\n", err)
		return HTTPResponse{StatusCode: http.StatusInternalServerError}
	}
	return HTTPResponse{StatusCode: status, Body: b}
}

func errorResponse(status int, message string, err error) HTTPResponse {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return jsonResponse(status, struct {
		Message string `json:"message,omitempty"`
		Detail  string `json:"detail,omitempty"`
	}{Message: message, Detail: detail})
}

// status returns the orchestrator's current Status snapshot.
func (s *Server) status(r *http.Request) HTTPResponse {
	return jsonResponse(http.StatusOK, s.orch.Status())
}

// listSessions enumerates every journaled session, most recent first.
func (s *Server) listSessions(r *http.Request) HTTPResponse {
	sessions, err := s.orch.SessionManager().List()
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "failed to list sessions", err)
	}
	return jsonResponse(http.StatusOK, struct {
		Sessions []session.Info `json:"sessions"`
	}{Sessions: sessions})
}

// streamFrames replays one session's JSONL frames, optionally filtered
// to a single connectionId, as newline-delimited JSON. It writes the
// response body directly rather than through httpHandler/HTTPResponse,
// since the reply is a stream rather than one marshaled value.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	filter := r.URL.Query().Get("connectionId")

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := s.orch.SessionManager().Replay(id, w, filter); err != nil {
		printer.Errorf("httpapi: streaming session %s failed: %v\n", id, err)
	}
}

// live is a Server-Sent-Events endpoint: each livebus.Bus publish becomes
// one "data: <line>\n\n" event until the client disconnects.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	if ct, _ := header.ParseValueAndParams(r.Header, "Accept"); ct != "" && ct != "text/event-stream" && ct != "*/*" {
		http.Error(w, "expected Accept: text/event-stream", http.StatusNotAcceptable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	handle, events := s.orch.Bus().Subscribe(func(err error) {
		printer.Debugf("httpapi: live subscriber backed up: %v\n", err)
	})
	defer s.orch.Bus().Unsubscribe(handle)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			line, ok := ev.(string)
			if !ok {
				continue
			}
			if _, err := w.Write([]byte("data: " + line + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-time.After(30 * time.Second):
			// Keepalive comment line so idle long-poll proxies don't
			// time the connection out.
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
