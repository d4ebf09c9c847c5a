// Package web exposes the agent's HTTP query surface: /probe, /current,
// /sample, and /assets, all answered from the registry and stores with
// MTConnect XML. Handlers are read-only; every response is produced from a
// snapshot taken under the stores' read locks.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/micheletedeschi/mtconnect-agent/internal/asset"
	"github.com/micheletedeschi/mtconnect-agent/internal/mtcxml"
	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
	"github.com/micheletedeschi/mtconnect-agent/internal/store"
	"github.com/micheletedeschi/mtconnect-agent/internal/telemetry"
)

const contentTypeXML = "text/xml; charset=utf-8"

// defaultSampleCount is applied when /sample has no count parameter.
const defaultSampleCount = 100

// Server serves the MTConnect HTTP surface.
type Server struct {
	registry   *schema.Registry
	obs        *store.Store
	assets     *asset.Store
	serializer *mtcxml.Serializer
	metrics    *telemetry.Metrics

	httpServer *http.Server
	listener   net.Listener
	addr       string
}

// NewServer creates a server bound to addr (host:port). metrics may be nil.
func NewServer(addr string, reg *schema.Registry, obs *store.Store, assets *asset.Store, ser *mtcxml.Serializer, metrics *telemetry.Metrics) *Server {
	return &Server{
		registry:   reg,
		obs:        obs,
		assets:     assets,
		serializer: ser,
		metrics:    metrics,
		addr:       addr,
	}
}

// Start binds the listener and serves until Stop. A bind failure is fatal
// to startup and returned immediately.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/probe", s.instrumented("probe", s.handleProbe))
	mux.HandleFunc("/current", s.instrumented("current", s.handleCurrent))
	mux.HandleFunc("/sample", s.instrumented("sample", s.handleSample))
	mux.HandleFunc("/assets", s.instrumented("assets", s.handleAssets))
	mux.HandleFunc("/", s.handleUnsupported)

	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Addr returns the bound listen address (useful when the port was 0).
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the server down gracefully; in-flight responses complete.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) instrumented(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		telemetry.Add(r.Context(), s.metrics.HTTPRequestsCounter(), 1,
			attribute.String("endpoint", name))
		h(w, r)
	}
}

func (s *Server) writeXML(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", contentTypeXML)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeXML(w, status, s.serializer.Error(code, msg))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, mtcxml.ErrCodeUnsupported,
		fmt.Sprintf("%s is not a supported request", r.URL.Path))
}

// resolveIDs applies the path filter, defaulting to every dataitem of every
// device when no path was given.
func (s *Server) resolveIDs(path string) ([]string, error) {
	if path == "" {
		return s.registry.ResolvePath("//DataItem", nil)
	}
	ids, err := s.registry.ResolvePath(path, nil)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %q matched nothing", schema.ErrInvalidPath, path)
	}
	return ids, nil
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, mtcxml.ErrCodeUnsupported, "only GET is supported")
		return
	}
	body, err := s.serializer.Probe(s.registry, s.registry.AllDeviceUUIDs())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeXML(w, http.StatusOK, body)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, mtcxml.ErrCodeUnsupported, "only GET is supported")
		return
	}
	ids, err := s.resolveIDs(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeInvalidXPath, err.Error())
		return
	}

	var observations []*store.Observation
	if atParam := r.URL.Query().Get("at"); atParam != "" {
		at, perr := strconv.ParseUint(atParam, 10, 64)
		if perr != nil {
			s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange,
				fmt.Sprintf("at must be a sequence number, got %q", atParam))
			return
		}
		observations, err = s.obs.CurrentAt(ids, at)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange, err.Error())
			return
		}
	} else {
		observations = s.obs.SnapshotCurrent(ids)
	}

	body, err := s.serializer.Streams(s.registry, observations, s.obs.Sequence())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeXML(w, http.StatusOK, body)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, mtcxml.ErrCodeUnsupported, "only GET is supported")
		return
	}
	q := r.URL.Query()

	ids, err := s.resolveIDs(q.Get("path"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeInvalidXPath, err.Error())
		return
	}

	from := s.obs.Sequence().First
	if fromParam := q.Get("from"); fromParam != "" {
		from, err = strconv.ParseUint(fromParam, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange,
				fmt.Sprintf("from must be a sequence number, got %q", fromParam))
			return
		}
	}
	count := defaultSampleCount
	if countParam := q.Get("count"); countParam != "" {
		count, err = strconv.Atoi(countParam)
		if err != nil || count <= 0 {
			s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange,
				fmt.Sprintf("count must be a positive integer, got %q", countParam))
			return
		}
	}

	if intervalParam := q.Get("interval"); intervalParam != "" {
		s.streamSamples(w, r, ids, from, count, intervalParam)
		return
	}

	observations, err := s.obs.SampleWindow(ids, from, count)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange, err.Error())
		return
	}
	body, err := s.serializer.Streams(s.registry, observations, s.obs.Sequence())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeXML(w, http.StatusOK, body)
}

// streamSamples serves the interval form of /sample: a multipart stream
// that re-polls the window every interval milliseconds, advancing from past
// whatever was already delivered, until the client goes away.
func (s *Server) streamSamples(w http.ResponseWriter, r *http.Request, ids []string, from uint64, count int, intervalParam string) {
	intervalMS, err := strconv.Atoi(intervalParam)
	if err != nil || intervalMS <= 0 {
		s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange,
			fmt.Sprintf("interval must be a positive integer, got %q", intervalParam))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeUnsupported, "streaming is not supported on this connection")
		return
	}

	const boundary = "MTConnectStream"
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		observations, werr := s.obs.SampleWindow(ids, from, count)
		if werr != nil {
			return
		}
		if len(observations) > 0 {
			body, serr := s.serializer.Streams(s.registry, observations, s.obs.Sequence())
			if serr != nil {
				return
			}
			fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", boundary, contentTypeXML, len(body))
			if _, werr := w.Write(body); werr != nil {
				return
			}
			flusher.Flush()
			from = observations[len(observations)-1].Sequence + 1
		} else {
			// Nothing new; keep from pinned to the live edge so the next
			// poll does not go out of range after eviction.
			if info := s.obs.Sequence(); from < info.First {
				from = info.First
			}
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, mtcxml.ErrCodeUnsupported, "only GET is supported")
		return
	}
	q := r.URL.Query()

	count := 0
	if countParam := q.Get("count"); countParam != "" {
		var err error
		count, err = strconv.Atoi(countParam)
		if err != nil || count <= 0 {
			s.writeError(w, http.StatusBadRequest, mtcxml.ErrCodeOutOfRange,
				fmt.Sprintf("count must be a positive integer, got %q", countParam))
			return
		}
	}

	records := s.assets.History(q.Get("type"), count)
	body, err := s.serializer.Assets(records, s.assets.Count())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeXML(w, http.StatusOK, body)
}
