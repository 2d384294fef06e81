package cse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// EvaluateAction runs one evaluation round of an <action> resource: the
// dependencies gate the evaluation, the criterion compares the subject
// attribute against the threshold, and the evaluation mode decides whether
// a hit issues the action primitive. It implements resources.Env.
func (s *Service) EvaluateAction(ctx context.Context, ri string) error {
	rec, err := s.store.GetAction(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		s.sched.Cancel("action:" + ri)
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := s.store.GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		s.sched.Cancel("action:" + ri)
		if err := s.store.DeleteAction(ctx, ri); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.WithError(err).WithResourceID(ri).Warn("stale action record not removed")
		}
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Mode == onem2m.EvalModeOff {
		return nil
	}

	satisfied, err := s.actionSatisfied(ctx, doc, rec)
	if err != nil {
		return err
	}

	fire := satisfied
	if rec.Mode == onem2m.EvalModeContinuous {
		// Continuous fires once per false-to-true transition.
		fire = satisfied && !rec.Satisfied
	}
	if fire {
		s.executeAction(ctx, doc)
	}

	if rec.Mode == onem2m.EvalModeOnce && satisfied {
		s.disarmAction(ctx, doc, rec)
		return nil
	}
	if rec.Satisfied != satisfied {
		rec.Satisfied = satisfied
		if err := s.store.UpsertAction(ctx, rec); err != nil {
			s.logger.WithError(err).WithResourceID(ri).Warn("action record update failed")
		}
	}
	return nil
}

// actionSatisfied checks the dependencies and then the action's own
// criterion against the subject resource.
func (s *Service) actionSatisfied(ctx context.Context, doc *storage.ResourceDoc, rec *storage.ActionRecord) (bool, error) {
	if deps, ok := doc.Attributes.StrSlice("dep"); ok {
		for _, dep := range deps {
			met, err := s.dependencySatisfied(ctx, dep)
			if err != nil {
				return false, err
			}
			if !met {
				return false, nil
			}
		}
	}
	subject, err := s.store.GetResource(ctx, rec.Subject)
	if err != nil {
		return false, nil
	}
	evc, ok := doc.Attributes.Map("evc")
	if !ok {
		return false, nil
	}
	return criteriaMet(evc, subject.Attributes), nil
}

// dependencySatisfied evaluates one <dependency>: its criterion against the
// referenced resource. With sfc false the criterion only needs to have held
// at some point since the dependency was armed.
func (s *Service) dependencySatisfied(ctx context.Context, dep string) (bool, error) {
	doc, err := s.ResolveLocal(ctx, dep)
	if err != nil || doc.Type != onem2m.ResourceTypeDependency {
		return false, nil
	}
	evc, ok := doc.Attributes.Map("evc")
	if !ok {
		return false, nil
	}
	ref, err := s.ResolveLocal(ctx, doc.Attributes.StrOr("rri", ""))
	if err != nil {
		return false, nil
	}
	met := criteriaMet(evc, ref.Attributes)
	if doc.Attributes.BoolOr("sfc", true) {
		return met, nil
	}
	s.depMu.Lock()
	defer s.depMu.Unlock()
	if met {
		s.depSeen[doc.RI] = true
	}
	return s.depSeen[doc.RI], nil
}

// criteriaMet compares the subject attribute named by the criterion against
// its threshold. Numbers compare numerically, everything else by its string
// form.
func criteriaMet(evc, attrs onem2m.Attributes) bool {
	sbjt := evc.StrOr("sbjt", "")
	val, ok := attrs[sbjt]
	if !ok {
		return false
	}
	optr := onem2m.EvalCriteriaOperator(evc.IntOr("optr", int64(onem2m.OperatorEqual)))
	thld := evc["thld"]

	if fv, okV := onem2m.AsFloat(val); okV {
		if ft, okT := onem2m.AsFloat(thld); okT {
			return compareFloat(optr, fv, ft)
		}
	}
	return compareString(optr, fmt.Sprintf("%v", val), fmt.Sprintf("%v", thld))
}

func compareFloat(optr onem2m.EvalCriteriaOperator, v, t float64) bool {
	switch optr {
	case onem2m.OperatorEqual:
		return v == t
	case onem2m.OperatorNotEqual:
		return v != t
	case onem2m.OperatorGreaterThan:
		return v > t
	case onem2m.OperatorLessThan:
		return v < t
	case onem2m.OperatorGreaterOrEqual:
		return v >= t
	case onem2m.OperatorLessOrEqual:
		return v <= t
	}
	return false
}

func compareString(optr onem2m.EvalCriteriaOperator, v, t string) bool {
	switch optr {
	case onem2m.OperatorEqual:
		return v == t
	case onem2m.OperatorNotEqual:
		return v != t
	case onem2m.OperatorGreaterThan:
		return v > t
	case onem2m.OperatorLessThan:
		return v < t
	case onem2m.OperatorGreaterOrEqual:
		return v >= t
	case onem2m.OperatorLessOrEqual:
		return v <= t
	}
	return false
}

// executeAction issues the stored action primitive through the regular
// pipeline with the action creator's authority.
func (s *Service) executeAction(ctx context.Context, doc *storage.ResourceDoc) {
	apv, ok := doc.Attributes.Map("apv")
	if !ok {
		return
	}
	originator := apv.StrOr("fr", "")
	if originator == "" {
		originator = doc.Attributes.StrOr("cr", s.cfg.AdminOriginator)
	}
	req := &onem2m.Request{
		Operation:  onem2m.Operation(apv.IntOr("op", 0)),
		Target:     apv.StrOr("to", ""),
		Originator: originator,
		RequestID:  onem2m.NewRequestID(),
		Arrived:    time.Now().UTC(),
	}
	if ty, ok := apv.Int("ty"); ok {
		req.ResourceType = onem2m.ResourceType(ty)
	}
	if pc, ok := apv.Map("pc"); ok {
		req.Content = pc.Clone()
	}

	rsp := s.Handle(ctx, req)
	if !rsp.RSC.IsSuccess() {
		s.logger.WithResourceID(doc.RI).WithFields(map[string]any{"rsc": int(rsp.RSC), "to": req.Target}).
			Warn("action primitive rejected")
		return
	}
	s.logger.WithResourceID(doc.RI).WithTarget(req.Target).Debug("action fired")
}

// disarmAction switches a once-mode action off after it fired.
func (s *Service) disarmAction(ctx context.Context, doc *storage.ResourceDoc, rec *storage.ActionRecord) {
	s.sched.Cancel("action:" + doc.RI)
	rec.Mode = onem2m.EvalModeOff
	rec.Satisfied = true
	if err := s.store.UpsertAction(ctx, rec); err != nil {
		s.logger.WithError(err).WithResourceID(doc.RI).Warn("action record update failed")
	}
	fresh, err := s.store.GetResource(ctx, doc.RI)
	if err != nil {
		return
	}
	fresh.Attributes["evm"] = int64(onem2m.EvalModeOff)
	fresh.Attributes["lt"] = onem2m.Now()
	if err := s.store.UpdateResource(ctx, fresh); err != nil {
		s.logger.WithError(err).WithResourceID(doc.RI).Warn("action resource update failed")
	}
}

// restoreActions re-arms the evaluation timers of the action records that
// survived a restart.
func (s *Service) restoreActions(ctx context.Context) error {
	recs, err := s.store.Actions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Mode == onem2m.EvalModeOff {
			continue
		}
		period := rec.Period
		if period <= 0 {
			period = time.Second
		}
		ri := rec.RI
		s.sched.RunPeriodic("action:"+ri, period, time.Time{}, func(ctx context.Context) error {
			return s.EvaluateAction(ctx, ri)
		})
	}
	return nil
}
