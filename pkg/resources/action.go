package resources

import (
	"context"
	"errors"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// defaultEvalPeriod drives periodic and continuous actions that name no
// evalControlParam of their own.
const defaultEvalPeriod = time.Second

// actionBehavior validates <action> wiring and keeps the evaluator's records
// and timers in step with the resource.
type actionBehavior struct {
	base
}

func (b *actionBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	evm := onem2m.EvalMode(r.Attributes.IntOr("evm", int64(onem2m.EvalModeOff)))
	if r.Attributes.Has("ecp") && (evm == onem2m.EvalModeOff || evm == onem2m.EvalModeOnce) {
		return onem2m.ErrBadRequest(
			"evalControlParam only applies to periodic and continuous evaluation").WithAttribute("ecp")
	}

	subject, err := b.resolveSubject(ctx, r, parent)
	if err != nil {
		return err
	}
	evc, ok := r.Attributes.Map("evc")
	if !ok {
		return onem2m.ErrBadRequest("evalCriteria is required").WithAttribute("evc")
	}
	if err := b.checkCriteriaSubject(evc, subject.Type); err != nil {
		return err
	}

	if orc := r.Attributes.StrOr("orc", ""); orc != "" {
		if _, err := b.env.ResolveLocal(ctx, orc); err != nil {
			return onem2m.ErrBadRequest("object resource %s cannot be resolved", orc).WithAttribute("orc")
		}
	}

	if deps, ok := r.Attributes.StrSlice("dep"); ok {
		for _, dep := range deps {
			doc, err := b.env.ResolveLocal(ctx, dep)
			if err != nil || doc.Type != onem2m.ResourceTypeDependency {
				return onem2m.ErrBadRequest("dependency %s is not an existing dependency resource", dep).WithAttribute("dep")
			}
		}
	}

	apv, ok := r.Attributes.Map("apv")
	if !ok {
		return onem2m.ErrBadRequest("actionPrimitive is required").WithAttribute("apv")
	}
	if !onem2m.Operation(apv.IntOr("op", 0)).Valid() || apv.StrOr("to", "") == "" {
		return onem2m.ErrBadRequest(
			"actionPrimitive needs a valid operation and a target").WithAttribute("apv")
	}
	return nil
}

func (b *actionBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	subject, err := b.resolveSubject(ctx, r, parent)
	if err != nil {
		return err
	}
	rec := &storage.ActionRecord{
		RI:      r.RI,
		Subject: subject.RI,
		Mode:    onem2m.EvalMode(r.Attributes.IntOr("evm", int64(onem2m.EvalModeOff))),
		Period:  b.evalPeriod(r),
	}
	if err := b.env.Store().UpsertAction(ctx, rec); err != nil {
		return onem2m.ErrInternal("storing action record", err)
	}
	b.schedule(r.RI, rec)
	return nil
}

func (b *actionBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	evm := onem2m.EvalMode(r.Attributes.IntOr("evm", int64(onem2m.EvalModeOff)))
	if r.Attributes.Has("ecp") && (evm == onem2m.EvalModeOff || evm == onem2m.EvalModeOnce) {
		return onem2m.ErrBadRequest(
			"evalControlParam only applies to periodic and continuous evaluation").WithAttribute("ecp")
	}

	rec, err := b.env.Store().GetAction(ctx, r.RI)
	if errors.Is(err, storage.ErrNotFound) {
		rec = &storage.ActionRecord{RI: r.RI, Subject: r.Attributes.StrOr("sri", r.PI)}
	} else if err != nil {
		return onem2m.ErrInternal("loading action record", err)
	}

	if evc, ok := r.Attributes.Map("evc"); ok {
		subject, err := b.env.Store().GetResource(ctx, rec.Subject)
		if err == nil {
			if err := b.checkCriteriaSubject(evc, subject.Type); err != nil {
				return err
			}
		}
	}

	// A mode change restarts the transition tracking.
	if rec.Mode != evm {
		rec.Satisfied = false
	}
	rec.Mode = evm
	rec.Period = b.evalPeriod(r)
	if err := b.env.Store().UpsertAction(ctx, rec); err != nil {
		return onem2m.ErrInternal("storing action record", err)
	}
	b.schedule(r.RI, rec)
	return nil
}

func (b *actionBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	b.env.Scheduler().Cancel("action:" + r.RI)
	if err := b.env.Store().DeleteAction(ctx, r.RI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.env.Logger().WithError(err).WithResourceID(r.RI).Warn("action record delete failed")
	}
}

// resolveSubject returns the resource whose attribute the criteria watch:
// the subjectResourceID when given, the action's parent otherwise.
func (b *actionBehavior) resolveSubject(ctx context.Context, r *Resource, parent *Resource) (*storage.ResourceDoc, error) {
	sri := r.Attributes.StrOr("sri", "")
	if sri == "" {
		return parent.ResourceDoc, nil
	}
	doc, err := b.env.ResolveLocal(ctx, sri)
	if err != nil {
		return nil, onem2m.ErrBadRequest("subject resource %s cannot be resolved", sri).WithAttribute("sri")
	}
	return doc, nil
}

// checkCriteriaSubject verifies the watched attribute exists on the subject
// type. Flex containers carry specialization attributes the type table does
// not list, so they are exempt.
func (b *actionBehavior) checkCriteriaSubject(evc onem2m.Attributes, subjectType onem2m.ResourceType) error {
	sbjt := evc.StrOr("sbjt", "")
	if sbjt == "" {
		return onem2m.ErrBadRequest("evalCriteria needs a subject attribute").WithAttribute("evc")
	}
	if _, ok := evc["thld"]; !ok || evc.IsNull("thld") {
		return onem2m.ErrBadRequest("evalCriteria needs a threshold").WithAttribute("evc")
	}
	if subjectType == onem2m.ResourceTypeFlexContainer {
		return nil
	}
	pol, ok := b.env.Registry().Snapshot().Type(subjectType)
	if !ok {
		return nil
	}
	if _, ok := pol.Attribute(sbjt); !ok {
		return onem2m.ErrBadRequest(
			"subject type %s has no attribute %s", subjectType, sbjt).WithAttribute("evc")
	}
	return nil
}

func (b *actionBehavior) evalPeriod(r *Resource) time.Duration {
	if ecp, ok := r.Attributes.Int("ecp"); ok && ecp > 0 {
		return time.Duration(ecp) * time.Millisecond
	}
	return defaultEvalPeriod
}

func (b *actionBehavior) schedule(ri string, rec *storage.ActionRecord) {
	name := "action:" + ri
	if rec.Mode == onem2m.EvalModeOff {
		b.env.Scheduler().Cancel(name)
		return
	}
	b.env.Scheduler().RunPeriodic(name, rec.Period, time.Time{}, func(ctx context.Context) error {
		return b.env.EvaluateAction(ctx, ri)
	})
}

// dependencyBehavior validates <dependency> wiring under an <action>.
type dependencyBehavior struct {
	base
}

func (b *dependencyBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	rri := r.Attributes.StrOr("rri", "")
	doc, err := b.env.ResolveLocal(ctx, rri)
	if err != nil {
		return onem2m.ErrBadRequest("referenced resource %s cannot be resolved", rri).WithAttribute("rri")
	}

	evc, ok := r.Attributes.Map("evc")
	if !ok {
		return onem2m.ErrBadRequest("evalCriteria is required").WithAttribute("evc")
	}
	sbjt := evc.StrOr("sbjt", "")
	if sbjt == "" {
		return onem2m.ErrBadRequest("evalCriteria needs a subject attribute").WithAttribute("evc")
	}
	if doc.Type != onem2m.ResourceTypeFlexContainer {
		if pol, ok := b.env.Registry().Snapshot().Type(doc.Type); ok {
			if _, ok := pol.Attribute(sbjt); !ok {
				return onem2m.ErrBadRequest(
					"referenced type %s has no attribute %s", doc.Type, sbjt).WithAttribute("evc")
			}
		}
	}
	return nil
}
