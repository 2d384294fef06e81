package cse

import (
	"context"
	"errors"
	"testing"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// idleEcp keeps the scheduler's evaluation timer out of the test's way so
// EvaluateAction calls drive every round.
const idleEcp = int64(3_600_000)

func evalCriterion(optr onem2m.EvalCriteriaOperator, sbjt string, thld any) map[string]any {
	return map[string]any{"optr": int64(optr), "sbjt": sbjt, "thld": thld}
}

// cinAlertPrimitive is an action primitive that drops a content instance
// into cse-in/ae1/config.
func cinAlertPrimitive() map[string]any {
	return map[string]any{
		"op": int64(onem2m.OperationCreate),
		"to": "cse-in/ae1/config",
		"fr": "CAe1",
		"ty": int64(onem2m.ResourceTypeContentInstance),
		"pc": map[string]any{"m2m:cin": map[string]any{"con": "alert"}},
	}
}

func createAction(t *testing.T, svc *Service, body map[string]any) string {
	t.Helper()
	attrs := mustCreate(t, svc, "CAe1", "cse-in/ae1/sensors", onem2m.ResourceTypeAction, onem2m.Attributes{
		"m2m:actr": body,
	})
	return attrs.StrOr("ri", "")
}

func evaluate(t *testing.T, svc *Service, ri string) {
	t.Helper()
	if err := svc.EvaluateAction(context.Background(), ri); err != nil {
		t.Fatalf("EvaluateAction() error = %v", err)
	}
}

// configInstances counts the instances the fired primitives dropped into
// cse-in/ae1/config.
func configInstances(t *testing.T, svc *Service) int64 {
	t.Helper()
	rsp := svc.Handle(context.Background(), retrieveReq("CAe1", "cse-in/ae1/config"))
	wantRSC(t, rsp, onem2m.RSCOK)
	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	return attrs.IntOr("cni", 0)
}

func TestActionOnceFiresAndDisarms(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModeOnce),
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(2)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})

	evaluate(t, svc, ri)

	rsp := svc.Handle(ctx, retrieveReq("CAe1", "cse-in/ae1/config/la"))
	wantRSC(t, rsp, onem2m.RSCOK)
	_, attrs, err := onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if got := attrs.StrOr("con", ""); got != "alert" {
		t.Fatalf("fired instance con = %q, want alert", got)
	}

	// Once-mode switches itself off after the hit.
	rsp = svc.Handle(ctx, retrieveReq("CAe1", "cse-in/ae1/sensors/alarm"))
	wantRSC(t, rsp, onem2m.RSCOK)
	_, attrs, err = onem2m.Unwrap(rsp.Content)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if got := attrs.IntOr("evm", -1); got != int64(onem2m.EvalModeOff) {
		t.Fatalf("evm after firing = %d, want off", got)
	}
	if svc.sched.Has("action:" + ri) {
		t.Fatal("evaluation timer survived the disarm")
	}

	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 1 {
		t.Fatalf("disarmed action fired again, cni = %d", got)
	}
}

func TestActionPeriodicFiresEveryRound(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModePeriodic),
		"ecp": idleEcp,
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(1)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})

	evaluate(t, svc, ri)
	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 2 {
		t.Fatalf("cni = %d, want 2", got)
	}
}

func TestActionContinuousFiresOnTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModeContinuous),
		"ecp": idleEcp,
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(3)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})

	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 0 {
		t.Fatalf("unsatisfied criteria fired, cni = %d", got)
	}

	mustCreate(t, svc, "CAe1", "cse-in/ae1/sensors", onem2m.ResourceTypeContentInstance, onem2m.Attributes{
		"m2m:cin": map[string]any{"con": "v3"},
	})
	evaluate(t, svc, ri)
	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 1 {
		t.Fatalf("continuous mode fired %d times while satisfied, want 1", got)
	}

	// A drop below the threshold re-arms the transition.
	wantRSC(t, svc.Handle(ctx, deleteReq("CAe1", "cse-in/ae1/sensors/la")), onem2m.RSCDeleted)
	evaluate(t, svc, ri)
	mustCreate(t, svc, "CAe1", "cse-in/ae1/sensors", onem2m.ResourceTypeContentInstance, onem2m.Attributes{
		"m2m:cin": map[string]any{"con": "v4"},
	})
	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 2 {
		t.Fatalf("cni after second transition = %d, want 2", got)
	}
}

func TestActionCreationValidation(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"rn":  "alarm",
			"evm": int64(onem2m.EvalModeOnce),
			"evc": evalCriterion(onem2m.OperatorEqual, "cni", int64(2)),
			"orc": "cse-in/ae1/config",
			"apv": cinAlertPrimitive(),
		}
	}
	tests := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{"missing criteria", func(b map[string]any) { delete(b, "evc") }},
		{"control param without periodic mode", func(b map[string]any) { b["ecp"] = int64(500) }},
		{"subject attribute unknown", func(b map[string]any) {
			b["evc"] = evalCriterion(onem2m.OperatorEqual, "bogus", int64(1))
		}},
		{"primitive missing target", func(b map[string]any) {
			b["apv"] = map[string]any{"op": int64(onem2m.OperationCreate)}
		}},
		{"object resource dangling", func(b map[string]any) { b["orc"] = "cse-in/ae1/missing" }},
		{"subject resource dangling", func(b map[string]any) { b["sri"] = "cse-in/ae1/missing" }},
		{"dependency not a dependency resource", func(b map[string]any) {
			b["dep"] = []any{"cse-in/ae1/config"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			readFixture(t, svc)
			body := valid()
			tt.mutate(body)
			rsp := svc.Handle(context.Background(), createReq("CAe1", "cse-in/ae1/sensors",
				onem2m.ResourceTypeAction, onem2m.Attributes{"m2m:actr": body}))
			wantRSC(t, rsp, onem2m.RSCBadRequest)
		})
	}
}

func TestActionDependencyGates(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModePeriodic),
		"ecp": idleEcp,
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(1)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})
	mustCreate(t, svc, "CAe1", "cse-in/ae1/sensors/alarm", onem2m.ResourceTypeDependency, onem2m.Attributes{
		"m2m:depr": map[string]any{
			"rn":  "gate",
			"sfc": true,
			"rri": "cse-in/ae1/config",
			"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "mni", int64(256)),
		},
	})
	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/sensors/alarm", onem2m.Attributes{
		"m2m:actr": map[string]any{"dep": []any{"cse-in/ae1/sensors/alarm/gate"}},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	// The action's own criteria hold, but the dependency does not yet.
	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 0 {
		t.Fatalf("gated action fired, cni = %d", got)
	}

	rsp = svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"mni": int64(512)},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 1 {
		t.Fatalf("cni = %d, want 1", got)
	}
}

func TestActionDependencyRemembersSufficiency(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModePeriodic),
		"ecp": idleEcp,
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(1)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})
	mustCreate(t, svc, "CAe1", "cse-in/ae1/sensors/alarm", onem2m.ResourceTypeDependency, onem2m.Attributes{
		"m2m:depr": map[string]any{
			"rn":  "gate",
			"sfc": false,
			"rri": "cse-in/ae1/config",
			"evc": evalCriterion(onem2m.OperatorEqual, "mni", int64(512)),
		},
	})
	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/sensors/alarm", onem2m.Attributes{
		"m2m:actr": map[string]any{"dep": []any{"cse-in/ae1/sensors/alarm/gate"}},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	evaluate(t, svc, ri)
	if got := configInstances(t, svc); got != 0 {
		t.Fatalf("dependency never held but the action fired, cni = %d", got)
	}

	rsp = svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"mni": int64(512)},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)
	evaluate(t, svc, ri)

	// Once the criterion held, a later change does not close the gate.
	rsp = svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/config", onem2m.Attributes{
		"m2m:cnt": map[string]any{"mni": int64(1024)},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)
	evaluate(t, svc, ri)

	if got := configInstances(t, svc); got != 2 {
		t.Fatalf("cni = %d, want 2", got)
	}
}

func TestActionDeleteDropsRecordAndTimer(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	ri := createAction(t, svc, map[string]any{
		"rn":  "alarm",
		"evm": int64(onem2m.EvalModePeriodic),
		"ecp": idleEcp,
		"evc": evalCriterion(onem2m.OperatorGreaterOrEqual, "cni", int64(1)),
		"orc": "cse-in/ae1/config",
		"apv": cinAlertPrimitive(),
	})
	if !svc.sched.Has("action:" + ri) {
		t.Fatal("activation did not arm the evaluation timer")
	}

	wantRSC(t, svc.Handle(ctx, deleteReq("CAe1", "cse-in/ae1/sensors/alarm")), onem2m.RSCDeleted)
	if svc.sched.Has("action:" + ri) {
		t.Fatal("timer survived the delete")
	}
	if _, err := svc.store.GetAction(ctx, ri); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetAction() error = %v, want ErrNotFound", err)
	}
}
