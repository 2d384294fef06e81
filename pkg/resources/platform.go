package resources

import (
	"context"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// remoteCSEBehavior normalizes and deduplicates <remoteCSE> registrations.
type remoteCSEBehavior struct {
	base
}

func (b *remoteCSEBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	csi := r.Attributes.StrOr("csi", "")
	if !strings.HasPrefix(csi, "/") {
		csi = "/" + csi
		r.Attributes["csi"] = csi
	}

	others, err := b.env.Store().ResourcesOfType(ctx, onem2m.ResourceTypeRemoteCSE)
	if err != nil {
		return onem2m.ErrInternal("scanning remote CSE registrations", err)
	}
	for _, o := range others {
		if o.RI != r.RI && o.Attributes.StrOr("csi", "") == csi {
			return onem2m.ErrConflict("a remote CSE with identifier %s is already registered", csi)
		}
	}
	return nil
}

// pollingChannelBehavior restricts <pollingChannel> creation to the AE it
// serves and tears the channel's request queue down with the resource.
type pollingChannelBehavior struct {
	base
}

func (b *pollingChannelBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	owner := parent.Attributes.StrOr("aei", "")
	if originator != owner && originator != b.env.Settings().AdminOriginator {
		return onem2m.NewError(onem2m.RSCOriginatorHasNoPrivilege,
			"only the registered AE may create its polling channel")
	}

	n, err := b.env.Store().CountChildrenOfType(ctx, parent.RI, onem2m.ResourceTypePollingChannel)
	if err != nil {
		return onem2m.ErrInternal("counting polling channels", err)
	}
	if n > 0 {
		return onem2m.ErrConflict("%s already has a polling channel", parent.RI)
	}
	return nil
}

func (b *pollingChannelBehavior) Deactivate(ctx context.Context, r *Resource, originator string) {
	b.env.ClosePollingChannel(r.RI)
}
