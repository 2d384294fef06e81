package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/auriga-m2m/auriga/pkg/config"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// drainGrace bounds the shutdown drain. The dispatcher releases parked
// polling retrievals before the binding drains, so in-flight exchanges
// finish quickly.
const drainGrace = 15 * time.Second

// Dispatcher handles decoded request primitives.
type Dispatcher interface {
	Handle(ctx context.Context, req *onem2m.Request) *onem2m.Response
}

// Server serves the oneM2M HTTP binding: every path is a resource address,
// the method and the ty content-type parameter select the operation, and
// X-M2M-* headers carry the primitive parameters that have no HTTP
// equivalent.
type Server struct {
	cfg      config.HTTPConfig
	dispatch Dispatcher
	logger   *telemetry.Logger
	srv      *http.Server
}

// NewServer builds the binding server around a dispatcher.
func NewServer(cfg config.HTTPConfig, dispatch Dispatcher, logger *telemetry.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger.NewComponentLogger("http"),
	}
	s.srv = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains in-flight exchanges.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddress, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.logger.WithField("address", ln.Addr().String()).Info("oneM2M HTTP binding listening")

	select {
	case <-ctx.Done():
		dctx, cancel := context.WithTimeout(context.Background(), drainGrace)
		defer cancel()
		if err := s.srv.Shutdown(dctx); err != nil {
			return fmt.Errorf("draining HTTP binding: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving HTTP binding: %w", err)
	}
}

// ServeHTTP decodes one exchange, hands it to the dispatcher and writes the
// response primitive back. Decode failures never reach the dispatcher.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, format, err := s.decodeRequest(w, r)
	if err != nil {
		s.writeResponse(w, responseFormat(r, format), onem2m.ErrorResponse(req, err))
		return
	}
	rsp := s.dispatch.Handle(r.Context(), req)
	s.writeResponse(w, responseFormat(r, format), rsp)
}

// decodeRequest maps the HTTP exchange onto a request primitive. The
// returned format is the request's content format, used as the response
// fallback when the Accept header names nothing usable.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*onem2m.Request, onem2m.ContentFormat, error) {
	format := onem2m.FormatJSON
	var ctParams map[string]string
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, params, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, format, onem2m.Errorf(onem2m.RSCUnsupportedMediaType, "unparseable content type %q", ct)
		}
		f, ferr := onem2m.FormatFromMediaType(mt)
		if ferr != nil {
			return nil, format, ferr
		}
		format = f
		ctParams = params
	}

	req := &onem2m.Request{
		Target:            targetFromPath(r.URL.Path),
		Originator:        r.Header.Get("X-M2M-Origin"),
		RequestID:         r.Header.Get("X-M2M-RI"),
		ReleaseVersion:    r.Header.Get("X-M2M-RVI"),
		RequestExpiration: r.Header.Get("X-M2M-RET"),
		ResultExpiration:  r.Header.Get("X-M2M-RST"),
		OperationExecTime: r.Header.Get("X-M2M-OET"),
		Arrived:           time.Now().UTC(),
	}
	if v := r.Header.Get("X-M2M-EC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, format, onem2m.ErrBadRequest("event category %q is not a number", v)
		}
		req.EventCategory = n
	}
	if v := r.Header.Get("X-M2M-RTU"); v != "" {
		req.NotificationURIs = strings.Split(v, "&")
	}

	switch r.Method {
	case http.MethodPost:
		ty, ok, err := createType(ctParams, r.URL.Query().Get("ty"))
		if err != nil {
			return req, format, err
		}
		if ok {
			req.Operation = onem2m.OperationCreate
			req.ResourceType = ty
		} else {
			req.Operation = onem2m.OperationNotify
		}
	case http.MethodGet:
		req.Operation = onem2m.OperationRetrieve
	case http.MethodPut:
		req.Operation = onem2m.OperationUpdate
	case http.MethodDelete:
		req.Operation = onem2m.OperationDelete
	default:
		return req, format, onem2m.ErrBadRequest("method %s has no oneM2M mapping", r.Method)
	}

	if err := applyQuery(req, r.URL.Query()); err != nil {
		return req, format, err
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, format, onem2m.ErrBadRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return req, format, onem2m.ErrBadRequest("reading request body: %v", err)
	}
	if len(body) > 0 {
		content, err := onem2m.Unmarshal(format, body)
		if err != nil {
			return req, format, onem2m.ErrContentsUnacceptable("undecodable request body: %v", err)
		}
		req.Content = content
	}
	return req, format, nil
}

// createType extracts the resource type of a create request. The binding
// rules put it in the ty content-type parameter; the query parameter is
// accepted as a fallback for hand-written requests.
func createType(ctParams map[string]string, tyQuery string) (onem2m.ResourceType, bool, error) {
	v := ctParams["ty"]
	if v == "" {
		v = tyQuery
	}
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, onem2m.ErrBadRequest("resource type %q is not a number", v)
	}
	return onem2m.ResourceType(n), true, nil
}

// targetFromPath undoes the address mapping: /~/... is SP-relative, /_/...
// is absolute, anything else is CSE-relative.
func targetFromPath(p string) string {
	p = strings.Trim(p, "/")
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return "/" + rest
	}
	if rest, ok := strings.CutPrefix(p, "_/"); ok {
		return "//" + rest
	}
	return p
}

// responseFormat negotiates the response serialization from the Accept
// header, falling back to the request's own format.
func responseFormat(r *http.Request, fallback onem2m.ContentFormat) onem2m.ContentFormat {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return fallback
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mt == "*/*" || mt == "application/*" {
			return fallback
		}
		if f, err := onem2m.FormatFromMediaType(mt); err == nil {
			return f
		}
	}
	return fallback
}

func (s *Server) writeResponse(w http.ResponseWriter, f onem2m.ContentFormat, rsp *onem2m.Response) {
	h := w.Header()
	h.Set("X-M2M-RSC", strconv.Itoa(int(rsp.RSC)))
	if rsp.RequestID != "" {
		h.Set("X-M2M-RI", rsp.RequestID)
	}
	if rsp.ReleaseVersion != "" {
		h.Set("X-M2M-RVI", rsp.ReleaseVersion)
	}
	if rsp.Content == nil {
		w.WriteHeader(rsp.RSC.HTTPStatus())
		return
	}
	body, err := onem2m.Marshal(f, rsp.Content)
	if err != nil {
		s.logger.WithError(err).Error("response serialization failed")
		h.Set("X-M2M-RSC", strconv.Itoa(int(onem2m.RSCInternalServerError)))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.Set("Content-Type", f.MediaType())
	w.WriteHeader(rsp.RSC.HTTPStatus())
	if _, err := w.Write(body); err != nil {
		s.logger.WithError(err).Debug("response write failed")
	}
}
