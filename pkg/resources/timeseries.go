package resources

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/auriga-m2m/auriga/pkg/events"
	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// timeSeriesBehavior manages <timeSeries> retention and missing data
// detection. The expect map tracks, per series, the dataGenerationTime the
// next instance is due to carry. A one-shot timer named after the series
// fires missingDataDetectTimer after that due time; an instance arriving in
// between replaces both the expectation and the timer.
type timeSeriesBehavior struct {
	base

	mu     sync.Mutex
	expect map[string]string
}

func newTimeSeriesBehavior(b base) *timeSeriesBehavior {
	return &timeSeriesBehavior{base: b, expect: make(map[string]string)}
}

func (b *timeSeriesBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	if err := checkDetectionConfig(r.Attributes); err != nil {
		return err
	}
	r.Attributes["cni"] = int64(0)
	r.Attributes["cbs"] = int64(0)
	if r.Attributes.BoolOr("mdd", false) {
		r.Attributes["mdlt"] = []any{}
		r.Attributes["mdc"] = int64(0)
	}
	return nil
}

func (b *timeSeriesBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	if err := checkDetectionConfig(r.Attributes); err != nil {
		return err
	}

	wasDetecting := old.BoolOr("mdd", false)
	detecting := r.Attributes.BoolOr("mdd", false)
	switch {
	case wasDetecting && !detecting:
		b.stopMonitor(r.RI)
	case !wasDetecting && detecting:
		// Re-enabling starts a fresh observation period.
		r.Attributes["mdlt"] = []any{}
		r.Attributes["mdc"] = int64(0)
	}

	if mdn, ok := r.Attributes.Int("mdn"); ok {
		if mdlt, ok := r.Attributes.Slice("mdlt"); ok && int64(len(mdlt)) > mdn {
			r.Attributes["mdlt"] = mdlt[int64(len(mdlt))-mdn:]
			r.Attributes["mdc"] = mdn
		}
	}

	mni, hasMNI := r.Attributes.Int("mni")
	mbs, hasMBS := r.Attributes.Int("mbs")
	if hasMNI || hasMBS {
		if err := trimInstances(ctx, b.env, r.RI, onem2m.ResourceTypeTimeSeriesInstance, mni, mbs, hasMNI, hasMBS); err != nil {
			return onem2m.ErrInternal("applying time series limits", err)
		}
		if err := refreshInstanceCounters(ctx, b.env, r); err != nil {
			return onem2m.ErrInternal("refreshing time series counters", err)
		}
	}
	return nil
}

func (b *timeSeriesBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	b.stopMonitor(r.RI)
}

// checkDetectionConfig enforces the periodic interval rules: peid defaults to
// half of pei and may never exceed it, and detection itself needs both the
// interval and the detect timer.
func checkDetectionConfig(attrs onem2m.Attributes) error {
	pei := attrs.IntOr("pei", 0)
	peid, hasPEID := attrs.Int("peid")
	if !hasPEID && pei > 0 {
		attrs["peid"] = pei / 2
	} else if hasPEID && peid > pei/2 {
		return onem2m.ErrContentsUnacceptable(
			"periodicIntervalDelta %d exceeds half of periodicInterval %d", peid, pei).WithAttribute("peid")
	}
	if attrs.BoolOr("mdd", false) {
		if pei <= 0 || attrs.IntOr("mdt", 0) <= 0 {
			return onem2m.ErrBadRequest(
				"missing data detection needs periodicInterval and missingDataDetectTimer")
		}
	}
	return nil
}

// instanceArrived re-arms the monitor after a new instance: the next instance
// is due one periodicInterval after the dataGenerationTime just received.
func (b *timeSeriesBehavior) instanceArrived(series *storage.ResourceDoc, dgt time.Time) {
	if !series.Attributes.BoolOr("mdd", false) {
		return
	}
	pei := series.Attributes.IntOr("pei", 0)
	mdt := series.Attributes.IntOr("mdt", 0)
	if pei <= 0 || mdt <= 0 {
		return
	}
	next := dgt.Add(time.Duration(pei) * time.Millisecond)
	b.arm(series.RI, next, time.Duration(mdt)*time.Millisecond)
}

func (b *timeSeriesBehavior) arm(ri string, next time.Time, mdt time.Duration) {
	expected := formatDGT(next)
	b.mu.Lock()
	b.expect[ri] = expected
	b.mu.Unlock()
	b.env.Scheduler().RunAt("ts-monitor:"+ri, next.Add(mdt), func(ctx context.Context) error {
		return b.checkMissing(ctx, ri, expected)
	})
}

// checkMissing runs when the detect timer expires without an instance for the
// expected dataGenerationTime. It records the miss on the series and arms the
// monitor for the following period.
func (b *timeSeriesBehavior) checkMissing(ctx context.Context, ri, expected string) error {
	b.mu.Lock()
	current, armed := b.expect[ri]
	b.mu.Unlock()
	if !armed || current != expected {
		return nil
	}

	doc, err := b.env.Store().GetResource(ctx, ri)
	if errors.Is(err, storage.ErrNotFound) {
		b.forget(ri)
		return nil
	}
	if err != nil {
		return err
	}
	if !doc.Attributes.BoolOr("mdd", false) {
		b.forget(ri)
		return nil
	}

	series := FromDoc(doc)
	mdlt, _ := series.Attributes.Slice("mdlt")
	mdlt = append(mdlt, expected)
	if mdn, ok := series.Attributes.Int("mdn"); ok {
		for int64(len(mdlt)) > mdn {
			mdlt = mdlt[1:]
		}
	}
	series.Attributes["mdlt"] = mdlt
	series.Attributes["mdc"] = int64(len(mdlt))
	series.Touch(time.Now().UTC())
	if err := b.env.Store().UpdateResource(ctx, series.ResourceDoc); err != nil {
		return err
	}

	if err := b.env.Events().Publish(events.Event{
		Type:         events.TypeMissingData,
		ResourceID:   series.RI,
		ResourceType: onem2m.ResourceTypeTimeSeries,
		Path:         series.Path,
		ParentID:     series.PI,
		Resource:     series.Attributes.Clone(),
	}); err != nil {
		b.env.Logger().WithError(err).WithResourceID(ri).Warn("missing data event dropped")
	}

	pei := series.Attributes.IntOr("pei", 0)
	mdt := series.Attributes.IntOr("mdt", 0)
	prev, err := onem2m.ParseTime(expected)
	if err != nil || pei <= 0 || mdt <= 0 {
		b.forget(ri)
		return nil
	}
	b.arm(ri, prev.Add(time.Duration(pei)*time.Millisecond), time.Duration(mdt)*time.Millisecond)
	return nil
}

func (b *timeSeriesBehavior) forget(ri string) {
	b.mu.Lock()
	delete(b.expect, ri)
	b.mu.Unlock()
}

func (b *timeSeriesBehavior) stopMonitor(ri string) {
	b.forget(ri)
	b.env.Scheduler().Cancel("ts-monitor:" + ri)
}

// formatDGT keeps sub-second precision when the series runs faster than one
// instance per second, where the basic layout would fold distinct
// expectations together.
func formatDGT(t time.Time) string {
	if t.Nanosecond() != 0 {
		return t.UTC().Format(onem2m.TimestampFractionLayout)
	}
	return onem2m.FormatTime(t)
}

// timeSeriesInstanceBehavior mirrors contentInstance bookkeeping for
// <timeSeriesInstance> and feeds arrivals into the series monitor.
type timeSeriesInstanceBehavior struct {
	base
	series *timeSeriesBehavior
}

func (b *timeSeriesInstanceBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	if _, err := onem2m.ParseTime(r.Attributes.StrOr("dgt", "")); err != nil {
		return onem2m.ErrBadRequest("dataGenerationTime missing or invalid").WithAttribute("dgt")
	}

	cs := contentSize(r.Attributes["con"])
	r.Attributes["cs"] = cs

	if mbs, ok := parent.Attributes.Int("mbs"); ok && cs > mbs {
		return onem2m.Errorf(onem2m.RSCNotAcceptable,
			"content is %d bytes, time series accepts at most %d", cs, mbs)
	}

	if mia, ok := parent.Attributes.Int("mia"); ok && mia >= 0 {
		oldest := time.Now().UTC().Add(time.Duration(mia) * time.Second)
		et := r.Attributes.StrOr("et", "")
		if et == "" {
			r.SetExpiration(onem2m.FormatTime(oldest))
		} else if t, err := onem2m.ParseTime(et); err == nil && t.After(oldest) {
			r.SetExpiration(onem2m.FormatTime(oldest))
		}
	}
	return nil
}

func (b *timeSeriesInstanceBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	cs := r.Attributes.IntOr("cs", 0)
	if err := adjustInstanceCounters(ctx, b.env, parent.RI, 1, cs, true); err != nil {
		return onem2m.ErrInternal("charging time series counters", err)
	}

	mni, hasMNI := parent.Attributes.Int("mni")
	mbs, hasMBS := parent.Attributes.Int("mbs")
	if hasMNI || hasMBS {
		if err := trimInstances(ctx, b.env, parent.RI, onem2m.ResourceTypeTimeSeriesInstance, mni, mbs, hasMNI, hasMBS); err != nil {
			return onem2m.ErrInternal("applying time series limits", err)
		}
	}

	if dgt, err := onem2m.ParseTime(r.Attributes.StrOr("dgt", "")); err == nil {
		b.series.instanceArrived(parent.ResourceDoc, dgt)
	}
	return nil
}

func (b *timeSeriesInstanceBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	cs := r.Attributes.IntOr("cs", 0)
	if err := adjustInstanceCounters(ctx, b.env, r.PI, -1, -cs, false); err != nil {
		b.env.Logger().WithError(err).WithResourceID(r.RI).Warn("time series counter release failed")
	}
}
