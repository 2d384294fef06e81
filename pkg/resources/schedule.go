package resources

import (
	"context"
	"errors"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// scheduleBehavior enforces the one-<schedule>-per-parent rule and mirrors
// schedule elements into the records the notifier consults for gating.
type scheduleBehavior struct {
	base
}

func (b *scheduleBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	existing, err := b.env.Store().ScheduleForParent(ctx, parent.RI)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrInternal("checking existing schedule", err)
	}
	if err == nil && existing.RI != r.RI {
		return onem2m.ErrConflict("a schedule already exists under %s", parent.RI)
	}
	return validateScheduleEntries(r.Attributes)
}

func (b *scheduleBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	return b.upsert(ctx, r)
}

func (b *scheduleBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	if err := validateScheduleEntries(r.Attributes); err != nil {
		return err
	}
	return b.upsert(ctx, r)
}

func (b *scheduleBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	if err := b.env.Store().DeleteSchedule(ctx, r.RI); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.env.Logger().WithError(err).WithResourceID(r.RI).Warn("schedule record delete failed")
	}
}

func (b *scheduleBehavior) upsert(ctx context.Context, r *Resource) error {
	rec := &storage.ScheduleRecord{
		RI:                 r.RI,
		PI:                 r.PI,
		Entries:            scheduleEntries(r.Attributes),
		NetworkCoordinated: r.Attributes.BoolOr("nco", false),
	}
	if err := b.env.Store().UpsertSchedule(ctx, rec); err != nil {
		return onem2m.ErrInternal("storing schedule record", err)
	}
	return nil
}

func scheduleEntries(attrs onem2m.Attributes) []string {
	se, ok := attrs.Map("se")
	if !ok {
		return nil
	}
	entries, _ := se.StrSlice("sce")
	return entries
}

func validateScheduleEntries(attrs onem2m.Attributes) error {
	entries := scheduleEntries(attrs)
	if len(entries) == 0 {
		return onem2m.ErrBadRequest("scheduleElement must carry at least one entry").WithAttribute("se")
	}
	for _, e := range entries {
		if err := onem2m.ValidateCron(e); err != nil {
			return onem2m.ErrBadRequest("invalid schedule element %q", e).WithAttribute("se")
		}
	}
	return nil
}
