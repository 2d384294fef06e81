package resources

import (
	"context"
	"errors"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// aeBehavior registers application entities. The AE-ID doubles as the
// resource identifier, so registration allocates or validates the identifier
// before the dispatcher persists the resource.
type aeBehavior struct {
	base
}

func (b *aeBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	api := r.Attributes.StrOr("api", "")
	if api == "" || (api[0] != 'R' && api[0] != 'N') {
		return onem2m.ErrBadRequest("appID must start with R or N").WithAttribute("api")
	}

	aei, err := b.assignAEID(originator)
	if err != nil {
		return err
	}

	if _, err := b.env.Store().GetResource(ctx, aei); err == nil {
		return onem2m.Errorf(onem2m.RSCOriginatorAlreadyRegistered,
			"an application entity with AE-ID %s is already registered", aei)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return onem2m.ErrInternal("looking up AE-ID", err)
	}

	r.OverrideID(aei)
	r.Attributes["aei"] = aei

	if !r.Attributes.Has("srv") {
		srv := make([]any, 0, len(b.env.Settings().ReleaseVersions))
		for _, v := range b.env.Settings().ReleaseVersions {
			srv = append(srv, v)
		}
		r.Attributes["srv"] = srv
	}
	return nil
}

// assignAEID derives the AE-ID from the registration originator. A bare "C"
// or "S" (or no originator at all) asks the CSE to allocate one; a full
// C-started or S-started identifier is taken verbatim; anything else violates
// the service subscription's applicable entity rules.
func (b *aeBehavior) assignAEID(originator string) (string, error) {
	switch {
	case originator == "" || originator == "C" || originator == "S":
		return onem2m.NewAEID(), nil
	case strings.HasPrefix(originator, "C") || strings.HasPrefix(originator, "S"):
		return originator, nil
	default:
		return "", onem2m.Errorf(onem2m.RSCAppRuleValidationFailed,
			"originator %s is not acceptable as an AE-ID", originator)
	}
}
