package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/auriga-m2m/auriga/pkg/config"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// HealthFunc reports whether the CSE can serve. A nil HealthFunc means
// always healthy.
type HealthFunc func(ctx context.Context) error

// Admin is the operational listener, kept off the protocol port: liveness,
// Prometheus metrics and the optional upper tester hook.
type Admin struct {
	cfg    config.AdminConfig
	logger *telemetry.Logger
	srv    *http.Server
}

// NewAdmin builds the admin listener. ut may be nil, which leaves the upper
// tester endpoint unregistered.
func NewAdmin(cfg config.AdminConfig, metrics *telemetry.Metrics, healthy HealthFunc, ut *UpperTester, logger *telemetry.Logger) *Admin {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			if err := healthy(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok")
	})
	mux.Handle("/metrics", metrics.Handler())
	if ut != nil {
		mux.Handle(upperTesterPath, ut)
	}
	a := &Admin{
		cfg:    cfg,
		logger: logger.NewComponentLogger("admin"),
	}
	a.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

// Run serves until ctx is cancelled. A disabled listener returns once ctx
// is done without binding a port.
func (a *Admin) Run(ctx context.Context) error {
	if !a.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.ListenAddress, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Serve(ln) }()
	a.logger.WithField("address", ln.Addr().String()).Info("admin listener up")

	select {
	case <-ctx.Done():
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(dctx); err != nil {
			return fmt.Errorf("draining admin listener: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving admin listener: %w", err)
	}
}
