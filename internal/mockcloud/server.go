// Package mockcloud is a local stand-in for the cloud changes API, with
// failure injection for development and tests.
package mockcloud

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-probe/internal/logging"
	"github.com/katasec/dstream-probe/pkg/cdc"
	"github.com/katasec/dstream-probe/pkg/types"
)

// Server records every change it accepts. Changes are deduplicated by id.
type Server struct {
	logger hclog.Logger
	token  string

	mu          sync.Mutex
	changes     []cdc.Change
	seen        map[string]bool
	duplicates  int
	requests    int
	keys        []string
	auth        []string
	failNext    int
	failStatus  int
	alwaysFail  int
	rejected    map[string]string
	unacked     map[string]bool
	legacyReply bool
}

// Option customizes a Server
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on change posts
func WithToken(token string) Option {
	return func(s *Server) {
		s.token = token
	}
}

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a server with no failures injected
func New(opts ...Option) *Server {
	s := &Server{
		seen:     map[string]bool{},
		rejected: map[string]string{},
		unacked:  map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).Named("mockcloud")
	return s
}

// Handler returns the HTTP routes of the API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /api/changes", s.postChanges)
	mux.HandleFunc("GET /api/changes", s.listChanges)
	return mux
}

// FailNext makes the next n change posts answer status
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// AlwaysFail makes every change post answer status; 0 turns it off
func (s *Server) AlwaysFail(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alwaysFail = status
}

// Reject leaves id out of acknowledgements and lists it as rejected
func (s *Server) Reject(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[id] = reason
}

// Ignore leaves id out of acknowledgements without a reason
func (s *Server) Ignore(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unacked[id] = true
}

// OmitAccepted answers 2xx with an empty body, which acknowledges the whole batch
func (s *Server) OmitAccepted(omit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyReply = omit
}

// Changes returns the accepted changes in arrival order
func (s *Server) Changes() []cdc.Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdc.Change(nil), s.changes...)
}

// Requests returns the number of change posts received, failed ones included
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Duplicates returns how many already accepted changes were posted again
func (s *Server) Duplicates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates
}

// IdempotencyKeys returns the Idempotency-Key header of every post
func (s *Server) IdempotencyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// Authorizations returns the Authorization header of every post
func (s *Server) Authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthStatus{Status: "ok", Version: "mock"})
}

func (s *Server) listChanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.ChangeBatch{Changes: s.Changes()})
}

func (s *Server) postChanges(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	authz := r.Header.Get("Authorization")
	s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
	s.auth = append(s.auth, authz)

	if s.token != "" && authz != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.alwaysFail != 0 {
		http.Error(w, "injected failure", s.alwaysFail)
		return
	}
	if s.failNext > 0 {
		s.failNext--
		http.Error(w, "injected failure", s.failStatus)
		return
	}

	var batch types.ChangeBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ack := types.BatchAck{Accepted: []string{}}
	for _, c := range batch.Changes {
		if reason, ok := s.rejected[c.ID]; ok {
			if ack.Rejected == nil {
				ack.Rejected = map[string]string{}
			}
			ack.Rejected[c.ID] = reason
			continue
		}
		if s.unacked[c.ID] {
			continue
		}
		if s.seen[c.ID] {
			s.duplicates++
		} else {
			s.seen[c.ID] = true
			s.changes = append(s.changes, c)
		}
		ack.Accepted = append(ack.Accepted, c.ID)
	}
	s.logger.Debug("Received batch", "changes", len(batch.Changes), "accepted", len(ack.Accepted), "source", batch.Source)

	if s.legacyReply {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BearerToken extracts the token of an Authorization header
func BearerToken(header string) string {
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
