package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/config"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

// Client is the outbound half of the binding. The notifier delivers through
// it, the dispatcher forwards unresolvable targets through it and the
// announcer pushes announcements through it.
type Client struct {
	http    *http.Client
	origin  string
	release string
	maxBody int64
	logger  *telemetry.Logger
}

// NewClient builds the outbound client. origin is the CSE-ID the client
// speaks as; release is the X-M2M-RVI stamped on notifications.
func NewClient(cfg config.HTTPConfig, cseID, release string, logger *telemetry.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.ClientTimeout},
		origin:  "/" + cseID,
		release: release,
		maxBody: cfg.MaxBodyBytes,
		logger:  logger.NewComponentLogger("http-client"),
	}
}

// SendNotification posts a notification body to uri and returns the
// receiver's response status code.
func (c *Client) SendNotification(ctx context.Context, uri string, body onem2m.Attributes) (onem2m.RSC, error) {
	payload, err := onem2m.Marshal(onem2m.FormatJSON, body)
	if err != nil {
		return 0, fmt.Errorf("serializing notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/vnd.onem2m-ntfy+json")
	req.Header.Set("X-M2M-Origin", c.origin)
	req.Header.Set("X-M2M-RI", onem2m.NewRequestID())
	if c.release != "" {
		req.Header.Set("X-M2M-RVI", c.release)
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer rsp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(rsp.Body, c.maxBody))
	return rscFromResponse(rsp), nil
}

// SendRequest maps a primitive onto HTTP against a remote point of access
// and maps the answer back. Transport failures return an error; protocol
// failures come back as the response status code.
func (c *Client) SendRequest(ctx context.Context, poa string, req *onem2m.Request) (*onem2m.Response, error) {
	u, err := url.Parse(poa)
	if err != nil {
		return nil, fmt.Errorf("parsing point of access %q: %w", poa, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + pathFromTarget(req.Target)
	u.RawQuery = encodeQuery(req).Encode()

	var body io.Reader
	if req.Content != nil {
		payload, merr := onem2m.Marshal(onem2m.FormatJSON, req.Content)
		if merr != nil {
			return nil, fmt.Errorf("serializing request content: %w", merr)
		}
		body = bytes.NewReader(payload)
	}

	hreq, err := http.NewRequestWithContext(ctx, methodFor(req.Operation), u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if req.Content != nil {
		hreq.Header.Set("Content-Type", contentTypeFor(req))
	}
	hreq.Header.Set("X-M2M-Origin", req.Originator)
	hreq.Header.Set("X-M2M-RI", req.RequestID)
	setIfPresent(hreq.Header, "X-M2M-RVI", req.ReleaseVersion)
	setIfPresent(hreq.Header, "X-M2M-RET", req.RequestExpiration)
	setIfPresent(hreq.Header, "X-M2M-RST", req.ResultExpiration)
	setIfPresent(hreq.Header, "X-M2M-OET", req.OperationExecTime)
	if req.EventCategory != 0 {
		hreq.Header.Set("X-M2M-EC", strconv.Itoa(req.EventCategory))
	}
	if len(req.NotificationURIs) > 0 {
		hreq.Header.Set("X-M2M-RTU", strings.Join(req.NotificationURIs, "&"))
	}

	hrsp, err := c.http.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hrsp.Body.Close()

	out := &onem2m.Response{
		RSC:            rscFromResponse(hrsp),
		RequestID:      hrsp.Header.Get("X-M2M-RI"),
		ReleaseVersion: hrsp.Header.Get("X-M2M-RVI"),
	}
	if out.RequestID == "" {
		out.RequestID = req.RequestID
	}
	raw, err := io.ReadAll(io.LimitReader(hrsp.Body, c.maxBody))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(raw) > 0 {
		// Bodies in foreign media types are dropped; the status mapping
		// already carries the outcome.
		format := onem2m.FormatJSON
		decodable := true
		if ct := hrsp.Header.Get("Content-Type"); ct != "" {
			mt, _, perr := mime.ParseMediaType(ct)
			if perr != nil {
				decodable = false
			} else if f, ferr := onem2m.FormatFromMediaType(mt); ferr == nil {
				format = f
			} else {
				decodable = false
			}
		}
		if decodable {
			content, uerr := onem2m.Unmarshal(format, raw)
			if uerr != nil {
				return nil, fmt.Errorf("decoding response body: %w", uerr)
			}
			out.Content = content
		}
	}
	return out, nil
}

func setIfPresent(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func methodFor(op onem2m.Operation) string {
	switch op {
	case onem2m.OperationCreate, onem2m.OperationNotify:
		return http.MethodPost
	case onem2m.OperationUpdate:
		return http.MethodPut
	case onem2m.OperationDelete:
		return http.MethodDelete
	default:
		return http.MethodGet
	}
}

func contentTypeFor(req *onem2m.Request) string {
	switch req.Operation {
	case onem2m.OperationNotify:
		return "application/vnd.onem2m-ntfy+json"
	case onem2m.OperationCreate:
		return mime.FormatMediaType(onem2m.FormatJSON.MediaType(), map[string]string{
			"ty": strconv.Itoa(int(req.ResourceType)),
		})
	default:
		return onem2m.FormatJSON.MediaType()
	}
}

// rscFromResponse reads the protocol status, falling back to a mapping of
// the HTTP status for receivers that omit the header.
func rscFromResponse(rsp *http.Response) onem2m.RSC {
	if v := rsp.Header.Get("X-M2M-RSC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return onem2m.RSC(n)
		}
	}
	switch {
	case rsp.StatusCode >= 200 && rsp.StatusCode < 300:
		return onem2m.RSCOK
	case rsp.StatusCode == http.StatusNotFound:
		return onem2m.RSCNotFound
	case rsp.StatusCode == http.StatusForbidden:
		return onem2m.RSCOriginatorHasNoPrivilege
	case rsp.StatusCode == http.StatusRequestTimeout:
		return onem2m.RSCRequestTimeout
	case rsp.StatusCode >= 500:
		return onem2m.RSCTargetNotReachable
	default:
		return onem2m.RSCBadRequest
	}
}

// pathFromTarget is the outbound counterpart of targetFromPath.
func pathFromTarget(to string) string {
	if rest, ok := strings.CutPrefix(to, "//"); ok {
		return "/_/" + rest
	}
	if rest, ok := strings.CutPrefix(to, "/"); ok {
		return "/~/" + rest
	}
	return "/" + to
}
