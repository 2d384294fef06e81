package cse

import (
	"context"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func TestUpdateMergesAttributes(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	rsp := svc.Handle(context.Background(), updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"lbl": []any{"renamed"}, "mbs": 1024},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if lbl, _ := attrs.StrSlice("lbl"); len(lbl) != 1 || lbl[0] != "renamed" {
		t.Errorf("lbl = %v, want [renamed]", lbl)
	}
	if got := attrs.IntOr("mbs", 0); got != 1024 {
		t.Errorf("mbs = %d, want 1024", got)
	}
	// Containers carry a state tag, so the update moved it.
	if got := attrs.IntOr("st", 0); got != 1 {
		t.Errorf("st = %d, want 1", got)
	}

	doc, err := svc.store.GetResource(context.Background(), attrs.StrOr("ri", ""))
	if err != nil {
		t.Fatalf("GetResource() error = %v", err)
	}
	if lbl, _ := doc.Attributes.StrSlice("lbl"); len(lbl) != 1 || lbl[0] != "renamed" {
		t.Errorf("stored lbl = %v, want [renamed]", lbl)
	}
}

func TestUpdateNullRemovesAttribute(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"lbl": nil},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if attrs.Has("lbl") {
		t.Errorf("lbl survived the null update: %v", attrs["lbl"])
	}
}

func TestUpdateRejectsReadOnlyAttribute(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	rsp := svc.Handle(context.Background(), updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"ct": onem2m.Now()},
	}))
	wantRSC(t, rsp, onem2m.RSCBadRequest)
}

func TestUpdateRejectsEnvelopeMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	rsp := svc.Handle(context.Background(), updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:ae": map[string]any{"lbl": []any{"x"}},
	}))
	wantRSC(t, rsp, onem2m.RSCBadRequest)
}

func TestUpdateModifiedAttributesShape(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	req := updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"lbl": []any{"x"}},
	})
	req.ResultContent = rcnOf(onem2m.ResultContentModifiedAttributes)
	rsp := svc.Handle(context.Background(), req)
	wantRSC(t, rsp, onem2m.RSCUpdated)

	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !attrs.Has("lbl") || !attrs.Has("lt") || !attrs.Has("st") {
		t.Errorf("modified set incomplete: %v", attrs)
	}
	if attrs.Has("rn") || attrs.Has("ri") {
		t.Errorf("untouched attributes leaked into the modified set: %v", attrs)
	}
}

func TestUpdateExpiration(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"et": onem2m.FormatTime(time.Now().UTC().Add(-time.Minute))},
	}))
	wantRSC(t, rsp, onem2m.RSCBadRequest)

	future := onem2m.FormatTime(time.Now().UTC().Add(24 * time.Hour))
	rsp = svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"et": future},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	doc, err := svc.ResolveLocal(ctx, "cse-in/ae1/config")
	if err != nil {
		t.Fatalf("ResolveLocal() error = %v", err)
	}
	if doc.Expiration != future {
		t.Errorf("expiry index = %q, want %q", doc.Expiration, future)
	}

	// A null expiration makes the resource permanent again.
	rsp = svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"et": nil},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)
	doc, err = svc.ResolveLocal(ctx, "cse-in/ae1/config")
	if err != nil {
		t.Fatalf("ResolveLocal() error = %v", err)
	}
	if doc.Expiration != "" || doc.Attributes.Has("et") {
		t.Errorf("expiration survived the null update: %q", doc.Expiration)
	}
}

func TestUpdateRejectsMissingACPReference(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	rsp := svc.Handle(context.Background(), updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"acpi": []any{"acpNowhere"}},
	}))
	wantRSC(t, rsp, onem2m.RSCBadRequest)
}

func TestUpdateShrinkingMNITrimsInstances(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/sensors", onem2m.Attributes{
		"m2m:cnt": map[string]any{"mni": 1},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if got := attrs.IntOr("cni", -1); got != 1 {
		t.Errorf("cni = %d, want 1 after trimming", got)
	}

	// The oldest instance went; latest and oldest now agree.
	rsp = svc.Handle(ctx, retrieveReq("CAe1", "cse-in/ae1/sensors/ol"))
	wantRSC(t, rsp, onem2m.RSCOK)
	_, inst, _ := onem2m.Unwrap(rsp.Content)
	if got := inst.StrOr("con", ""); got != "v2" {
		t.Errorf("remaining instance con = %q, want v2", got)
	}
}

func TestUpdateCSEBaseDisallowed(t *testing.T) {
	svc, _ := newTestService(t)

	rsp := svc.Handle(context.Background(), updateReq("CAdmin", "cse-in", onem2m.Attributes{
		"m2m:cb": map[string]any{"lbl": []any{"x"}},
	}))
	wantRSC(t, rsp, onem2m.RSCOperationNotAllowed)
}

func TestUpdateContentInstanceDisallowed(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	// Address the concrete instance by its unstructured identifier.
	rsp := svc.Handle(ctx, retrieveReq("CAe1", "cse-in/ae1/sensors/la"))
	wantRSC(t, rsp, onem2m.RSCOK)
	_, latest, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}

	rsp = svc.Handle(ctx, updateReq("CAe1", latest.StrOr("ri", ""), onem2m.Attributes{
		"m2m:cin": map[string]any{"lbl": []any{"x"}},
	}))
	wantRSC(t, rsp, onem2m.RSCOperationNotAllowed)
}
