package cse

import (
	"context"
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// authorize decides whether the originator may perform the operation that
// requires perm on the target. Internal requests and the admin originator
// bypass access control; everything else is governed by the access control
// policies the target references, or by the ownership defaults when it
// references none.
func (s *Service) authorize(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc, perm onem2m.Permission) error {
	if req.Internal || req.Originator == s.cfg.AdminOriginator {
		return nil
	}

	if perm == onem2m.PermissionCreate {
		if handled, err := s.authorizeRegistration(req, target); handled {
			return err
		}
	}

	// An <accessControlPolicy> guards itself with its own pvs; its acpi
	// never applies.
	if target.Type == onem2m.ResourceTypeACP {
		if allowedByPolicy(target.Attributes, "pvs", req.Originator, perm) {
			return nil
		}
		return onem2m.ErrNoPrivilege(req.Originator, req.Operation)
	}

	ids := s.policyIDs(ctx, target)
	if len(ids) == 0 {
		return s.defaultAccess(ctx, req, target, perm)
	}
	for _, id := range ids {
		acp, err := s.ResolveLocal(ctx, id)
		if err != nil {
			s.logger.WithTarget(id).WithResourceID(target.RI).Warn("referenced access control policy cannot be resolved")
			continue
		}
		if acp.Type != onem2m.ResourceTypeACP {
			continue
		}
		if allowedByPolicy(acp.Attributes, "pv", req.Originator, perm) {
			return nil
		}
	}
	return onem2m.ErrNoPrivilege(req.Originator, req.Operation)
}

// authorizeRegistration handles the create operations that happen before
// the originator has an identity: AE and remote CSE registration.
func (s *Service) authorizeRegistration(req *onem2m.Request, parent *storage.ResourceDoc) (bool, error) {
	if parent.Type != onem2m.ResourceTypeCSEBase {
		return false, nil
	}
	switch req.ResourceType {
	case onem2m.ResourceTypeAE:
		if !s.cfg.RegistrationAllowed {
			return true, onem2m.Errorf(onem2m.RSCAppRuleValidationFailed, "AE registration is disabled")
		}
		return true, nil
	case onem2m.ResourceTypeRemoteCSE:
		if !s.cfg.RegistrationAllowed {
			return true, onem2m.ErrOperationNotAllowed("CSE registration is disabled")
		}
		return true, nil
	}
	return false, nil
}

// policyIDs collects the access control policy references applying to the
// target. Instance resources inherit their parent's references.
func (s *Service) policyIDs(ctx context.Context, target *storage.ResourceDoc) []string {
	if acpi, ok := target.Attributes.StrSlice("acpi"); ok && len(acpi) > 0 {
		return acpi
	}
	if target.Type.IsInstance() && target.PI != "" {
		if parent, err := s.store.GetResource(ctx, target.PI); err == nil {
			if acpi, ok := parent.Attributes.StrSlice("acpi"); ok {
				return acpi
			}
		}
	}
	return nil
}

// defaultAccess applies when no policy governs the target. The creator and
// the registered entity owning the enclosing subtree keep full access, the
// CSE base stays readable, registered originators may create under it, and a
// stored <request> stays visible to the originator it tracks.
func (s *Service) defaultAccess(ctx context.Context, req *onem2m.Request, target *storage.ResourceDoc, perm onem2m.Permission) error {
	originator := req.Originator
	if creator := target.Attributes.StrOr("cr", ""); creator != "" && creator == originator {
		return nil
	}
	if target.Type == onem2m.ResourceTypeRequest && target.Attributes.StrOr("org", "") == originator {
		return nil
	}

	doc := target
	for doc != nil {
		if ownedBy(doc, originator) {
			return nil
		}
		if doc.Type == onem2m.ResourceTypeCSEBase {
			switch perm {
			case onem2m.PermissionRetrieve, onem2m.PermissionDiscover:
				if doc.RI == target.RI {
					return nil
				}
			case onem2m.PermissionCreate:
				if doc.RI == target.RI && s.isRegistered(ctx, originator) {
					return nil
				}
			}
			break
		}
		if doc.PI == "" {
			break
		}
		parent, err := s.store.GetResource(ctx, doc.PI)
		if err != nil {
			break
		}
		doc = parent
	}
	return onem2m.ErrNoPrivilege(originator, req.Operation)
}

// ownedBy reports whether doc is the registration resource of the
// originator, which grants it authority over the subtree below.
func ownedBy(doc *storage.ResourceDoc, originator string) bool {
	switch doc.Type {
	case onem2m.ResourceTypeAE:
		return doc.Attributes.StrOr("aei", "") == originator
	case onem2m.ResourceTypeRemoteCSE:
		csi := strings.TrimPrefix(doc.Attributes.StrOr("csi", ""), "/")
		return csi != "" && csi == strings.TrimPrefix(originator, "/")
	}
	return false
}

// isRegistered reports whether the originator resolves to a registered AE
// or remote CSE.
func (s *Service) isRegistered(ctx context.Context, originator string) bool {
	if originator == "" {
		return false
	}
	if doc, err := s.store.GetResource(ctx, originator); err == nil &&
		(doc.Type == onem2m.ResourceTypeAE || doc.Type == onem2m.ResourceTypeRemoteCSE) {
		return true
	}
	csrs, err := s.store.ResourcesOfType(ctx, onem2m.ResourceTypeRemoteCSE)
	if err != nil {
		return false
	}
	want := strings.TrimPrefix(originator, "/")
	for _, csr := range csrs {
		if strings.TrimPrefix(csr.Attributes.StrOr("csi", ""), "/") == want {
			return true
		}
	}
	return false
}

// allowedByPolicy evaluates the access control rules stored under key
// ("pv" or "pvs") for one originator and permission.
func allowedByPolicy(attrs onem2m.Attributes, key, originator string, perm onem2m.Permission) bool {
	pol, ok := attrs.Map(key)
	if !ok {
		return false
	}
	rules, ok := pol.Slice("acr")
	if !ok {
		return false
	}
	for _, rv := range rules {
		rule, ok := rv.(map[string]any)
		if !ok {
			continue
		}
		r := onem2m.Attributes(rule)
		if !onem2m.Permission(r.IntOr("acop", 0)).Has(perm) {
			continue
		}
		acor, _ := r.StrSlice("acor")
		if originatorMatches(acor, originator) {
			return true
		}
	}
	return false
}

// originatorMatches applies the accessControlOriginators forms: the "all"
// keyword, a trailing-asterisk prefix pattern and exact identifiers. The
// SP-relative slash does not participate in the comparison.
func originatorMatches(acor []string, originator string) bool {
	o := strings.TrimPrefix(originator, "/")
	for _, a := range acor {
		a = strings.TrimPrefix(a, "/")
		switch {
		case a == "all" || a == "*":
			return true
		case strings.HasSuffix(a, "*"):
			if strings.HasPrefix(o, strings.TrimSuffix(a, "*")) {
				return true
			}
		case a == o:
			return true
		}
	}
	return false
}
