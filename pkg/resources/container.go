package resources

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// containerBehavior keeps the instance counters of a <container> coherent
// with its <contentInstance> children and applies retention limits.
type containerBehavior struct {
	base
}

func (b *containerBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	r.Attributes["cni"] = int64(0)
	r.Attributes["cbs"] = int64(0)
	return nil
}

func (b *containerBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	mni, hasMNI := r.Attributes.Int("mni")
	mbs, hasMBS := r.Attributes.Int("mbs")
	if !hasMNI && !hasMBS {
		return nil
	}
	if err := trimInstances(ctx, b.env, r.RI, onem2m.ResourceTypeContentInstance, mni, mbs, hasMNI, hasMBS); err != nil {
		return onem2m.ErrInternal("applying container limits", err)
	}
	// Trimming rewrote the stored counters underneath this update.
	if err := refreshInstanceCounters(ctx, b.env, r); err != nil {
		return onem2m.ErrInternal("refreshing container counters", err)
	}
	return nil
}

// contentInfo is media-type:encodingType with an optional content security
// component, for example text/plain:0.
var contentInfoPattern = regexp.MustCompile(`^[^:]+:[012](:\d+)?$`)

// contentInstanceBehavior snapshots content metadata at creation time and
// charges the instance against the parent container's quotas.
type contentInstanceBehavior struct {
	base
}

func (b *contentInstanceBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	if cnf := r.Attributes.StrOr("cnf", ""); cnf != "" && !contentInfoPattern.MatchString(cnf) {
		return onem2m.ErrContentsUnacceptable("contentInfo %q is not media-type:encoding", cnf).WithAttribute("cnf")
	}

	cs := contentSize(r.Attributes["con"])
	r.Attributes["cs"] = cs

	if mbs, ok := parent.Attributes.Int("mbs"); ok && cs > mbs {
		return onem2m.Errorf(onem2m.RSCNotAcceptable,
			"content is %d bytes, container accepts at most %d", cs, mbs)
	}

	// Instances snapshot the container state they were created under.
	r.Attributes["st"] = parent.StateTag() + 1

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

func (b *contentInstanceBehavior) Activate(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	cs := r.Attributes.IntOr("cs", 0)
	if err := adjustInstanceCounters(ctx, b.env, parent.RI, 1, cs, true); err != nil {
		return onem2m.ErrInternal("charging container counters", err)
	}

	mni, hasMNI := parent.Attributes.Int("mni")
	mbs, hasMBS := parent.Attributes.Int("mbs")
	if !hasMNI && !hasMBS {
		return nil
	}
	if err := trimInstances(ctx, b.env, parent.RI, onem2m.ResourceTypeContentInstance, mni, mbs, hasMNI, hasMBS); err != nil {
		return onem2m.ErrInternal("applying container limits", err)
	}
	return nil
}

func (b *contentInstanceBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	cs := r.Attributes.IntOr("cs", 0)
	if err := adjustInstanceCounters(ctx, b.env, r.PI, -1, -cs, false); err != nil {
		b.env.Logger().WithError(err).WithResourceID(r.RI).Warn("container counter release failed")
	}
}

func (b *contentInstanceBehavior) WillBeRetrieved(ctx context.Context, r *Resource, originator string) error {
	parent, err := b.env.Store().GetResource(ctx, r.PI)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return onem2m.ErrInternal("loading parent container", err)
	}
	if parent.Attributes.BoolOr("disr", false) {
		return onem2m.ErrOperationNotAllowed("retrieval is disabled on container %s", r.PI)
	}
	return nil
}
