package cse

import (
	"context"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func notifyReq(origin, target string, content onem2m.Attributes) *onem2m.Request {
	return &onem2m.Request{
		Operation:      onem2m.OperationNotify,
		Target:         target,
		Originator:     origin,
		RequestID:      onem2m.NewRequestID(),
		ReleaseVersion: "4",
		Content:        content,
	}
}

// registerPollingAE registers an AE that is not request reachable and hangs
// a polling channel under it.
func registerPollingAE(t *testing.T, svc *Service, origin, rn string) {
	t.Helper()
	mustCreate(t, svc, origin, "cse-in", onem2m.ResourceTypeAE, onem2m.Attributes{
		"m2m:ae": map[string]any{"rn": rn, "api": "Ntest.app", "rr": false},
	})
	mustCreate(t, svc, origin, "cse-in/"+rn, onem2m.ResourceTypePollingChannel, onem2m.Attributes{
		"m2m:pch": map[string]any{"rn": "channel"},
	})
}

func TestNotifyDeliversThroughPointOfAccess(t *testing.T) {
	svc, tr := newTestService(t)
	registerAE(t, svc, "CAe1", "ae1")
	ctx := context.Background()

	body := onem2m.Attributes{"m2m:sgn": map[string]any{"sur": "cse-in/ae1"}}
	wantRSC(t, svc.Handle(ctx, notifyReq("CAdmin", "cse-in/ae1", body)), onem2m.RSCOK)

	sent := tr.notifications()
	if len(sent) != 1 {
		t.Fatalf("transport saw %d notifications, want 1", len(sent))
	}
	if sent[0].uri != "http://ae.example.com/notify" {
		t.Fatalf("notification went to %s", sent[0].uri)
	}
}

func TestNotifyRoundTripsOverPollingChannel(t *testing.T) {
	svc, tr := newTestService(t)
	registerPollingAE(t, svc, "CPoll", "pollee")
	ctx := context.Background()

	done := make(chan *onem2m.Response, 1)
	go func() {
		body := onem2m.Attributes{"m2m:sgn": map[string]any{"sur": "cse-in/x"}}
		done <- svc.Handle(ctx, notifyReq("CAdmin", "cse-in/pollee", body))
	}()

	// The polling entity picks the parked request up through pcu.
	rsp := svc.Handle(ctx, retrieveReq("CPoll", "cse-in/pollee/channel/pcu"))
	wantRSC(t, rsp, onem2m.RSCOK)
	rqp, ok := rsp.Content.Map("m2m:rqp")
	if !ok {
		t.Fatalf("poll returned %v, want m2m:rqp", rsp.Content)
	}
	if got, _ := rqp.Int("op"); got != int64(onem2m.OperationNotify) {
		t.Fatalf("queued op = %d, want notify", got)
	}
	if rqp.StrOr("to", "") != "CPoll" {
		t.Fatalf("queued to = %q, want CPoll", rqp.StrOr("to", ""))
	}
	rqi := rqp.StrOr("rqi", "")
	if rqi == "" {
		t.Fatal("queued request carries no rqi")
	}
	if _, ok := rqp.Map("pc"); !ok {
		t.Fatal("queued request carries no content")
	}

	// ...and answers it with a response primitive.
	answer := onem2m.Attributes{"m2m:rsp": map[string]any{"rqi": rqi, "rsc": int64(onem2m.RSCOK)}}
	wantRSC(t, svc.Handle(ctx, notifyReq("CPoll", "cse-in/pollee/channel/pcu", answer)), onem2m.RSCOK)

	select {
	case rsp := <-done:
		wantRSC(t, rsp, onem2m.RSCOK)
	case <-time.After(2 * time.Second):
		t.Fatal("notification sender never unblocked")
	}

	if len(tr.notifications()) != 0 {
		t.Fatal("transport should not be used for polling delivery")
	}
}

func TestPollTimesOutWhenNothingIsQueued(t *testing.T) {
	svc, _ := newTestService(t)
	registerPollingAE(t, svc, "CPoll", "pollee")

	rsp := svc.Handle(context.Background(), retrieveReq("CPoll", "cse-in/pollee/channel/pcu"))
	wantRSC(t, rsp, onem2m.RSCRequestTimeout)
}

func TestPollAnswerWithoutWaiterIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	registerPollingAE(t, svc, "CPoll", "pollee")

	answer := onem2m.Attributes{"m2m:rsp": map[string]any{"rqi": "nobody", "rsc": int64(onem2m.RSCOK)}}
	rsp := svc.Handle(context.Background(), notifyReq("CPoll", "cse-in/pollee/channel/pcu", answer))
	wantRSC(t, rsp, onem2m.RSCBadRequest)
}

func TestNotifyUnreachableAE(t *testing.T) {
	svc, _ := newTestService(t)
	mustCreate(t, svc, "CMute", "cse-in", onem2m.ResourceTypeAE, onem2m.Attributes{
		"m2m:ae": map[string]any{"rn": "mute", "api": "Ntest.app", "rr": false},
	})

	body := onem2m.Attributes{"m2m:sgn": map[string]any{"sur": "cse-in/x"}}
	rsp := svc.Handle(context.Background(), notifyReq("CAdmin", "cse-in/mute", body))
	wantRSC(t, rsp, onem2m.RSCTargetNotReachable)
}

func TestDeletingPollingChannelReleasesSenders(t *testing.T) {
	svc, _ := newTestService(t)
	registerPollingAE(t, svc, "CPoll", "pollee")
	ctx := context.Background()

	pch, err := svc.ResolveLocal(ctx, "cse-in/pollee/channel")
	if err != nil {
		t.Fatalf("resolving channel: %v", err)
	}
	q := svc.polling.queue(pch.RI)

	done := make(chan *onem2m.Response, 1)
	go func() {
		body := onem2m.Attributes{"m2m:sgn": map[string]any{"sur": "cse-in/x"}}
		done <- svc.Handle(ctx, notifyReq("CAdmin", "cse-in/pollee", body))
	}()

	// Wait for the sender to park its request, then pull the channel away.
	deadline := time.After(2 * time.Second)
	for len(q.items) == 0 {
		select {
		case <-deadline:
			t.Fatal("request never reached the channel queue")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	wantRSC(t, svc.Handle(ctx, deleteReq("CPoll", "cse-in/pollee/channel")), onem2m.RSCDeleted)

	select {
	case rsp := <-done:
		wantRSC(t, rsp, onem2m.RSCTargetNotReachable)
	case <-time.After(2 * time.Second):
		t.Fatal("sender never unblocked after channel deletion")
	}

	rsp := svc.Handle(ctx, retrieveReq("CPoll", "cse-in/pollee/channel/pcu"))
	wantRSC(t, rsp, onem2m.RSCNotFound)
}
