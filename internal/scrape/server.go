package scrape

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wardenhq/warden/internal/store"
)

// contentType is the exposition format version served on scrape.
const contentType = "text/plain; version=0.0.4"

// Handler serves the latest sample of every live series as exposition text.
// A series is live when it produced a sample within the freshness window.
type Handler struct {
	st        store.Store
	formatter *Formatter
	window    time.Duration
	now       func() time.Time
}

// NewHandler creates a scrape handler. window <= 0 defaults to 5 minutes.
func NewHandler(st store.Store, f *Formatter, window time.Duration) *Handler {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Handler{st: st, formatter: f, window: window, now: time.Now}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := h.now()
	samples, err := h.st.Query(r.Context(), store.Query{Start: now.Add(-h.window), End: now})
	if err != nil {
		slog.Error("scrape query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Latest sample per series; Query returns them oldest first.
	latest := make(map[string]store.Sample)
	var order []string
	for _, s := range samples {
		fp := store.Fingerprint(s.Name, s.Labels)
		if _, seen := latest[fp]; !seen {
			order = append(order, fp)
		}
		latest[fp] = s
	}
	snapshot := make([]store.Sample, 0, len(order))
	for _, fp := range order {
		snapshot = append(snapshot, latest[fp])
	}

	w.Header().Set("Content-Type", contentType)
	w.Write([]byte(h.formatter.Format(snapshot)))
}

// Server is the HTTP scrape endpoint with explicit lifecycle.
type Server struct {
	srv  *http.Server
	path string
}

// NewServer mounts the handler on path and listens on addr once started.
func NewServer(addr, path string, h *Handler) *Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		path: path,
	}
}

// Start begins serving in the background. The returned error channel yields
// at most one serve error.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	errc := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	slog.Info("scrape endpoint listening", "addr", ln.Addr().String(), "path", s.path)
	return errc, nil
}

// Shutdown stops the server, waiting for in-flight scrapes up to the
// context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
