package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/telemetry"
)

const upperTesterPath = "/__ut__"

// Controller is the management surface the upper tester drives.
type Controller interface {
	Reset(ctx context.Context) error
	Status(ctx context.Context) (onem2m.Attributes, error)
	ShortenExpiration(ctx context.Context, target string, d time.Duration) (string, error)
}

// UpperTester executes test-control commands posted as JSON. It only exists
// when a deployment enables it; production configurations must leave it off.
type UpperTester struct {
	ctrl   Controller
	logger *telemetry.Logger
}

// NewUpperTester wraps a controller for the admin listener.
func NewUpperTester(ctrl Controller, logger *telemetry.Logger) *UpperTester {
	return &UpperTester{
		ctrl:   ctrl,
		logger: logger.NewComponentLogger("upper-tester"),
	}
}

type utCommand struct {
	Cmd    string `json:"cmd"`
	Target string `json:"target,omitempty"`

	// After is an ISO 8601 duration for shortenExpiration. Empty means
	// expire now.
	After string `json:"after,omitempty"`
}

func (u *UpperTester) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		utError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var cmd utCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&cmd); err != nil {
		utError(w, http.StatusBadRequest, "undecodable command: "+err.Error())
		return
	}

	switch cmd.Cmd {
	case "reset":
		if err := u.ctrl.Reset(r.Context()); err != nil {
			u.fail(w, "reset", err)
			return
		}
		u.logger.Warn("upper tester reset the CSE")
		utJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case "status":
		status, err := u.ctrl.Status(r.Context())
		if err != nil {
			u.fail(w, "status", err)
			return
		}
		utJSON(w, http.StatusOK, status)

	case "shortenExpiration":
		if cmd.Target == "" {
			utError(w, http.StatusBadRequest, "shortenExpiration needs a target")
			return
		}
		var after time.Duration
		if cmd.After != "" {
			d, err := onem2m.ParseISODuration(cmd.After)
			if err != nil {
				utError(w, http.StatusBadRequest, "undecodable duration: "+err.Error())
				return
			}
			after = d
		}
		et, err := u.ctrl.ShortenExpiration(r.Context(), cmd.Target, after)
		if err != nil {
			u.fail(w, "shortenExpiration", err)
			return
		}
		utJSON(w, http.StatusOK, map[string]any{"status": "ok", "et": et})

	default:
		utError(w, http.StatusBadRequest, "unknown command "+cmd.Cmd)
	}
}

func (u *UpperTester) fail(w http.ResponseWriter, cmd string, err error) {
	u.logger.WithError(err).WithField("cmd", cmd).Warn("upper tester command failed")
	status := http.StatusInternalServerError
	if e, ok := onem2m.AsError(err); ok {
		status = e.RSC.HTTPStatus()
	}
	utError(w, status, err.Error())
}

func utError(w http.ResponseWriter, status int, msg string) {
	utJSON(w, status, map[string]any{"error": msg})
}

func utJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
