// Package mediaserver exposes an active session's media and caption
// resources to the receiver over HTTP, including byte-range serving against
// a still-growing transcode output.
package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lancast.app/lancast/internal/captions"
	"lancast.app/lancast/internal/domain"
)

// GrowingJob is the slice of the transcode job the server needs: the live
// byte counter and its block-and-wake accessor.
type GrowingJob interface {
	BytesWritten() int64
	WaitForBytes(ctx context.Context, offset int64) error
	Completed() bool
}

type mediaRoute struct {
	path        string
	contentType string
	size        int64      // authoritative for stable sources only
	job         GrowingJob // non-nil for growing sources
}

type captionRoute struct {
	payload []byte
}

// UPnP eventing delivers callbacks as NOTIFY requests; chi rejects
// methods it does not know about before routing.
func init() {
	chi.RegisterMethod("NOTIFY")
}

// Server is the receiver-facing HTTP surface. Routes are bound to opaque
// tokens; removing a token makes future requests 404 so a finished
// session's resources never leak into the next one.
type Server struct {
	waitTimeout time.Duration
	log         zerolog.Logger

	router   chi.Router
	httpSrv  *http.Server
	listener net.Listener

	mu       sync.Mutex
	media    map[string]*mediaRoute
	captions map[string]*captionRoute
	events   http.Handler
}

func New(waitTimeout time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		waitTimeout: waitTimeout,
		log:         log.With().Str("component", "mediaserver").Logger(),
		media:       map[string]*mediaRoute{},
		captions:    map[string]*captionRoute{},
	}

	r := chi.NewRouter()
	r.Get("/media/{token}", s.handleMedia)
	r.Get("/captions/{token}.vtt", s.handleCaptions)
	r.HandleFunc("/events/{token}", s.handleEvents)
	s.router = r
	return s
}

// Start binds listenAddr (port 0 picks a free port) and serves in the
// background. It returns the concrete listen address receivers should use.
func (s *Server) Start(listenAddr string) (string, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", domain.Wrap(domain.KindServerIO, "bind media listener", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("media server stopped")
		}
	}()

	addr := ln.Addr().String()
	s.log.Info().Str("addr", addr).Msg("media server listening")
	return addr, nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// SetEventHandler mounts the receiver-eventing callback endpoint on this
// listener; the control layer owns the handler.
func (s *Server) SetEventHandler(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = h
}

// AddStableMedia registers a fully written file and returns its route path.
func (s *Server) AddStableMedia(path, contentType string, size int64) (token, route string) {
	token = newToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[token] = &mediaRoute{path: path, contentType: contentType, size: size}
	return token, "/media/" + token
}

// AddGrowingMedia registers a transcode job's output file.
func (s *Server) AddGrowingMedia(job GrowingJob, outputPath, contentType string) (token, route string) {
	token = newToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[token] = &mediaRoute{path: outputPath, contentType: contentType, job: job}
	return token, "/media/" + token
}

// AddCaptions registers a converted caption payload.
func (s *Server) AddCaptions(payload []byte) (token, route string) {
	token = newToken()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captions[token] = &captionRoute{payload: payload}
	return token, "/captions/" + token + ".vtt"
}

// Remove tears down the given tokens; unknown tokens are ignored so
// teardown is idempotent.
func (s *Server) Remove(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		delete(s.media, tok)
		delete(s.captions, tok)
	}
}

func newToken() string { return uuid.NewString() }

func (s *Server) lookupMedia(token string) *mediaRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media[token]
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	s.mu.Lock()
	route := s.captions[token]
	s.mu.Unlock()
	if route == nil {
		http.NotFound(w, r)
		return
	}

	writeCORS(w)
	w.Header().Set("Content-Type", captions.ContentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(route.payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(route.payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.events
	s.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
