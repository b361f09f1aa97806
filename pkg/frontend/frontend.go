// Package frontend hosts the two bound sockets — REST and gRPC — that
// funnel every inbound request into the Dispatcher, plus the REST
// listener's root health endpoint.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"balancer/pkg/apperror"
	"balancer/pkg/config"
	"balancer/pkg/dispatcher"
	"balancer/pkg/fleet"
	"balancer/pkg/logger"
)

// unavailableBody is the exact plain-text body the spec requires for a
// no-alive-upstream response.
const unavailableBody = "Service unavailable (no alive servers)"

// Server owns the REST and gRPC frontend listeners.
type Server struct {
	cfg        *config.Config
	fleet      *fleet.Fleet
	dispatcher *dispatcher.Dispatcher

	restServer *http.Server
	grpcServer *http.Server
}

// New constructs a Server. TLS is all-or-nothing: when cfg.TLS carries both
// a cert and key file, both listeners serve HTTPS and reject plaintext;
// otherwise both are plaintext.
func New(cfg *config.Config, f *fleet.Fleet, disp *dispatcher.Dispatcher) *Server {
	s := &Server{cfg: cfg, fleet: f, dispatcher: disp}

	restMux := http.NewServeMux()
	restMux.HandleFunc("/", s.handleREST)

	grpcMux := http.NewServeMux()
	grpcMux.HandleFunc("/", s.handleGRPC)

	var grpcHandler http.Handler = grpcMux
	if !s.tlsEnabled() {
		// Without TLS, ALPN never runs; accept HTTP/2 with prior
		// knowledge over cleartext so gRPC-mode clients don't have to
		// upgrade from HTTP/1.1 first.
		grpcHandler = h2c.NewHandler(grpcMux, &http2.Server{})
	}

	s.restServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RestListenPort),
		Handler: restMux,
	}
	s.grpcServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.GRPCListenPort),
		Handler: grpcHandler,
	}

	return s
}

func (s *Server) tlsEnabled() bool {
	return s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != ""
}

// Start launches both listeners in background goroutines. Bind failures are
// sent to the returned channel; a successful Shutdown also yields nil here
// for each listener as it stops.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 2)

	go func() {
		var err error
		if s.tlsEnabled() {
			logger.Info("REST frontend listening", "addr", s.restServer.Addr, "tls", true)
			err = s.restServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			logger.Info("REST frontend listening", "addr", s.restServer.Addr, "tls", false)
			err = s.restServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rest listener: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		var err error
		if s.tlsEnabled() {
			logger.Info("gRPC frontend listening", "addr", s.grpcServer.Addr, "tls", true)
			err = s.grpcServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			logger.Info("gRPC frontend listening", "addr", s.grpcServer.Addr, "tls", false)
			err = s.grpcServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("grpc listener: %w", err)
			return
		}
		errCh <- nil
	}()

	return errCh
}

// Shutdown gracefully stops both listeners, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.restServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rest listener shutdown: %w", err))
	}
	if err := s.grpcServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("grpc listener shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleREST(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		s.handleHealth(w, r)
		return
	}
	s.proxy(w, r, dispatcher.ModeREST)
}

func (s *Server) handleGRPC(w http.ResponseWriter, r *http.Request) {
	s.proxy(w, r, dispatcher.ModeGRPC)
}

// handleHealth serves the REST listener's root health JSON: 200 when any
// instance is alive, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	alive, total := s.fleet.AliveCount()

	status := http.StatusOK
	if alive == 0 {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"alive_instances": alive,
		"total_instances": total,
	})
}

// proxy reads and caps the inbound body, builds a dispatcher.Request, and
// relays whatever the dispatcher returns.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, mode dispatcher.Mode) {
	body, err := readBodyCapped(r, s.cfg.MaxRequestBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			http.Error(w, "request body exceeds the configured maximum", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req := &dispatcher.Request{
		Method:       r.Method,
		PathAndQuery: pathAndQuery(r),
		Header:       r.Header,
		Body:         body,
	}

	result, dispErr := s.dispatcher.Dispatch(r.Context(), req, mode)
	if result != nil {
		relay(w, result)
		return
	}

	var appErr *apperror.Error
	if errors.As(dispErr, &appErr) {
		status := appErr.HTTPStatus()
		if appErr.Code == apperror.CodeNoAliveUpstream {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, unavailableBody)
			return
		}
		http.Error(w, appErr.Error(), status)
		return
	}

	http.Error(w, "internal error", http.StatusInternalServerError)
}

func relay(w http.ResponseWriter, result *dispatcher.Result) {
	for name, values := range result.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(result.Status)
	_, _ = w.Write(result.Body)
}

func pathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

var errBodyTooLarge = errors.New("request body too large")

// readBodyCapped drains the request body up to maxBytes+1, returning
// errBodyTooLarge if the cap is exceeded.
func readBodyCapped(r *http.Request, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}
