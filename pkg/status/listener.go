package status

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hostfleet/updatehound/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultSocketPath is the local exposition endpoint.
const DefaultSocketPath = "/run/updatehound/public/metrics.promsock"

// Listener serves metrics and status over a Unix-domain socket.
type Listener struct {
	log  logging.Logger
	sink *Sink
	path string
}

// NewListener builds a listener for the given socket path.
func NewListener(log logging.Logger, sink *Sink, path string) *Listener {
	return &Listener{log: log, sink: sink, path: path}
}

// Serve binds the socket and serves until the context is cancelled. A stale
// socket file from a previous run is removed first.
func (l *Listener) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create socket directory")
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove stale socket file")
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return errors.Wrapf(err, "failed to bind metrics service to %q", l.path)
	}

	srv := &http.Server{Handler: l.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	l.log.WithField("path", l.path).Debug("started metrics service on Unix-domain socket")
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (l *Listener) router() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		l.sink.metrics.Registry(),
		promhttp.HandlerOpts{},
	))
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(l.sink.LastUnitStatus() + "\n"))
	})
	return r
}
