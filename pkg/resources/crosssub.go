package resources

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// crossResourceBehavior expands a <crossResourceSub> into one derived
// notifier record per monitored resource. Events matched by a derived record
// feed the CRS time window instead of being delivered directly; the notifier
// owns the window algebra, this hook owns the record lifecycle.
type crossResourceBehavior struct {
	base
}

// derivedRecordID names the record for target index i. The fragment syntax
// cannot collide with resource identifiers, which never contain '#'.
func derivedRecordID(crsRI, kind string, i int) string {
	return fmt.Sprintf("%s#%s%d", crsRI, kind, i)
}

func (b *crossResourceBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	return b.checkConfig(ctx, r)
}

func (b *crossResourceBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	targets, _ := r.Attributes.StrSlice("nu")
	probe := &storage.Subscription{RI: r.RI, PI: r.PI, Path: r.Path, Originator: r.Creator()}
	if pending := unverifiedTargets(targets, probe.Originator, nil); len(pending) > 0 {
		if err := b.env.VerifyTargets(ctx, probe, pending); err != nil {
			return err
		}
	}
	if err := b.deriveRecords(ctx, r); err != nil {
		b.removeDerived(ctx, r.RI, r.Attributes)
		return err
	}
	return nil
}

func (b *crossResourceBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	if err := b.checkConfig(ctx, r); err != nil {
		return err
	}

	verified, _ := old.StrSlice("nu")
	targets, _ := r.Attributes.StrSlice("nu")
	probe := &storage.Subscription{RI: r.RI, PI: r.PI, Path: r.Path, Originator: r.Creator()}
	if pending := unverifiedTargets(targets, probe.Originator, verified); len(pending) > 0 {
		if err := b.env.VerifyTargets(ctx, probe, pending); err != nil {
			return err
		}
	}

	// Target lists are fixed after creation, so re-deriving overwrites the
	// same record keys with the updated criteria.
	return b.deriveRecords(ctx, r)
}

func (b *crossResourceBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	b.removeDerived(ctx, r.RI, r.Attributes)
}

// checkConfig validates the window and target configuration and resolves the
// regular targets into rrats. Shared by create and update.
func (b *crossResourceBehavior) checkConfig(ctx context.Context, r *Resource) error {
	if tws, err := onem2m.ParseDurationOrMillis(r.Attributes["tws"]); err != nil || tws <= 0 {
		return onem2m.ErrBadRequest("invalid time window size").WithAttribute("tws")
	}

	if !r.Attributes.Has("eem") {
		r.Attributes["eem"] = int64(onem2m.EvaluationAllPresent)
	} else if r.Attributes.IntOr("eem", 1) > int64(onem2m.EvaluationAnyPresent) {
		return onem2m.ErrNotImplemented("event evaluation modes beyond all/any present")
	}

	rrat, _ := r.Attributes.StrSlice("rrat")
	srat, _ := r.Attributes.StrSlice("srat")
	if len(rrat) == 0 && len(srat) == 0 {
		return onem2m.ErrBadRequest("a cross resource subscription needs regular or subscription targets")
	}

	if len(rrat) > 0 {
		criteria, err := crossCriteria(r.Attributes)
		if err != nil {
			return err
		}
		if len(criteria) != 1 && len(criteria) != len(rrat) {
			return onem2m.ErrBadRequest(
				"encs needs one entry or one per regular target").WithAttribute("encs")
		}
		rrats := make([]any, 0, len(rrat))
		for _, addr := range rrat {
			doc, err := b.env.ResolveLocal(ctx, addr)
			if err != nil {
				return onem2m.Errorf(onem2m.RSCCrossResourceOperationFailure,
					"regular target %s cannot be resolved", addr)
			}
			rrats = append(rrats, doc.RI)
		}
		r.Attributes["rrats"] = rrats
	}

	for _, addr := range srat {
		doc, err := b.env.ResolveLocal(ctx, addr)
		if err != nil || doc.Type != onem2m.ResourceTypeSubscription {
			return onem2m.Errorf(onem2m.RSCCrossResourceOperationFailure,
				"subscription target %s is not an existing subscription", addr)
		}
	}
	return nil
}

// deriveRecords upserts one notifier record per target. Regular targets get
// the criteria from encs; subscription targets inherit the criteria of the
// subscription they reference and backlink this CRS in its acrs.
func (b *crossResourceBehavior) deriveRecords(ctx context.Context, r *Resource) error {
	creator := r.Creator()
	rrat, _ := r.Attributes.StrSlice("rrat")
	srat, _ := r.Attributes.StrSlice("srat")

	if len(rrat) > 0 {
		criteria, err := crossCriteria(r.Attributes)
		if err != nil {
			return err
		}
		for i, addr := range rrat {
			src, err := b.env.ResolveLocal(ctx, addr)
			if err != nil {
				return onem2m.Errorf(onem2m.RSCCrossResourceOperationFailure,
					"regular target %s cannot be resolved", addr)
			}
			rec := &storage.Subscription{
				RI:              derivedRecordID(r.RI, "r", i),
				PI:              src.RI,
				Path:            src.Path,
				Originator:      creator,
				CrossResourceRI: r.RI,
			}
			enc := criteria[0]
			if len(criteria) == len(rrat) {
				enc = criteria[i]
			}
			applyCriteria(rec, enc)
			if err := b.env.Store().UpsertSubscription(ctx, rec); err != nil {
				return onem2m.ErrInternal("storing derived subscription record", err)
			}
		}
	}

	for i, addr := range srat {
		subDoc, err := b.env.ResolveLocal(ctx, addr)
		if err != nil || subDoc.Type != onem2m.ResourceTypeSubscription {
			return onem2m.Errorf(onem2m.RSCCrossResourceOperationFailure,
				"subscription target %s is not an existing subscription", addr)
		}
		baseRec, err := b.env.Store().GetSubscription(ctx, subDoc.RI)
		if err != nil {
			return onem2m.Errorf(onem2m.RSCCrossResourceOperationFailure,
				"subscription target %s has no notifier record", addr)
		}
		rec := &storage.Subscription{
			RI:              derivedRecordID(r.RI, "s", i),
			PI:              baseRec.PI,
			Path:            baseRec.Path,
			Originator:      creator,
			CrossResourceRI: r.RI,
			EventTypes:      baseRec.EventTypes,
			AttributeFilter: baseRec.AttributeFilter,
			ChildTypes:      baseRec.ChildTypes,
		}
		if err := b.env.Store().UpsertSubscription(ctx, rec); err != nil {
			return onem2m.ErrInternal("storing derived subscription record", err)
		}
		if err := b.addBacklink(ctx, subDoc.RI, r.RI); err != nil {
			return onem2m.ErrInternal("linking subscription target", err)
		}
	}
	return nil
}

func (b *crossResourceBehavior) removeDerived(ctx context.Context, crsRI string, attrs onem2m.Attributes) {
	rrat, _ := attrs.StrSlice("rrat")
	srat, _ := attrs.StrSlice("srat")
	for i := range rrat {
		ri := derivedRecordID(crsRI, "r", i)
		if err := b.env.Store().DeleteSubscription(ctx, ri); err != nil && !errors.Is(err, storage.ErrNotFound) {
			b.env.Logger().WithError(err).WithResourceID(ri).Warn("derived record delete failed")
		}
	}
	for i, addr := range srat {
		ri := derivedRecordID(crsRI, "s", i)
		if err := b.env.Store().DeleteSubscription(ctx, ri); err != nil && !errors.Is(err, storage.ErrNotFound) {
			b.env.Logger().WithError(err).WithResourceID(ri).Warn("derived record delete failed")
		}
		if doc, err := b.env.ResolveLocal(ctx, addr); err == nil {
			b.removeBacklink(ctx, doc.RI, crsRI)
		}
	}
}

func (b *crossResourceBehavior) addBacklink(ctx context.Context, subRI, crsRI string) error {
	doc, err := b.env.Store().GetResource(ctx, subRI)
	if err != nil {
		return err
	}
	acrs, _ := doc.Attributes.StrSlice("acrs")
	if slices.Contains(acrs, crsRI) {
		return nil
	}
	list := make([]any, 0, len(acrs)+1)
	for _, v := range acrs {
		list = append(list, v)
	}
	doc.Attributes["acrs"] = append(list, crsRI)
	doc.Attributes["lt"] = onem2m.Now()
	return b.env.Store().UpdateResource(ctx, doc)
}

func (b *crossResourceBehavior) removeBacklink(ctx context.Context, subRI, crsRI string) {
	doc, err := b.env.Store().GetResource(ctx, subRI)
	if err != nil {
		return
	}
	acrs, ok := doc.Attributes.StrSlice("acrs")
	if !ok || !slices.Contains(acrs, crsRI) {
		return
	}
	kept := make([]any, 0, len(acrs))
	for _, v := range acrs {
		if v != crsRI {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(doc.Attributes, "acrs")
	} else {
		doc.Attributes["acrs"] = kept
	}
	doc.Attributes["lt"] = onem2m.Now()
	if err := b.env.Store().UpdateResource(ctx, doc); err != nil {
		b.env.Logger().WithError(err).WithResourceID(subRI).Warn("backlink removal failed")
	}
}

// crossCriteria extracts the per-target criteria list from encs.
func crossCriteria(attrs onem2m.Attributes) ([]onem2m.Attributes, error) {
	encs, ok := attrs.Map("encs")
	if !ok {
		return nil, onem2m.ErrBadRequest(
			"regular targets need event notification criteria").WithAttribute("encs")
	}
	list, _ := encs.Slice("enc")
	out := make([]onem2m.Attributes, 0, len(list))
	for _, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, onem2m.ErrBadRequest("invalid event notification criteria").WithAttribute("encs")
		}
		out = append(out, onem2m.Attributes(m))
	}
	if len(out) == 0 {
		return nil, onem2m.ErrBadRequest(
			"regular targets need event notification criteria").WithAttribute("encs")
	}
	return out, nil
}

// applyCriteria copies one eventNotificationCriteria onto a notifier record.
func applyCriteria(rec *storage.Subscription, enc onem2m.Attributes) {
	if nets, ok := enc.IntSlice("net"); ok {
		for _, n := range nets {
			rec.EventTypes = append(rec.EventTypes, onem2m.NotificationEventType(n))
		}
	}
	if atr, ok := enc.StrSlice("atr"); ok {
		rec.AttributeFilter = atr
	}
	if chty, ok := enc.IntSlice("chty"); ok {
		for _, t := range chty {
			rec.ChildTypes = append(rec.ChildTypes, onem2m.ResourceType(t))
		}
	}
}
