package resources

import (
	"context"
	"errors"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// groupBehavior validates group membership on create and update: duplicates
// count once, members must fit the declared member type, and the consistency
// strategy decides what a mismatch costs.
type groupBehavior struct {
	base
}

func (b *groupBehavior) Prepare(ctx context.Context, r *Resource, parent *Resource, originator string) error {
	return b.validateMembers(ctx, r)
}

func (b *groupBehavior) Update(ctx context.Context, r *Resource, old onem2m.Attributes, originator string) error {
	return b.validateMembers(ctx, r)
}

func (b *groupBehavior) validateMembers(ctx context.Context, r *Resource) error {
	mid, _ := r.Attributes.StrSlice("mid")

	seen := make(map[string]struct{}, len(mid))
	members := make([]string, 0, len(mid))
	for _, m := range mid {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}

	if mnm, ok := r.Attributes.Int("mnm"); ok && int64(len(members)) > mnm {
		return onem2m.Errorf(onem2m.RSCMaxNumberOfMemberExceeded,
			"group holds %d members, maximum is %d", len(members), mnm)
	}

	mt := onem2m.ResourceType(r.Attributes.IntOr("mt", int64(onem2m.MemberTypeMixed)))
	csy := onem2m.ConsistencyStrategy(r.Attributes.IntOr("csy", int64(onem2m.ConsistencyAbandonMember)))

	kept := make([]string, 0, len(members))
	mtv := true
	for _, addr := range members {
		ty, verified, exists, err := b.memberType(ctx, addr)
		if err != nil {
			return err
		}
		if !exists {
			if csy == onem2m.ConsistencyAbandonMember {
				continue
			}
			return onem2m.Errorf(onem2m.RSCGroupMemberTypeInconsistent,
				"member %s does not exist", addr)
		}
		if !verified {
			// Remote members are taken on trust and leave the group
			// marked unvalidated.
			mtv = false
			kept = append(kept, addr)
			continue
		}
		if mt != onem2m.MemberTypeMixed && ty != 0 && ty != mt {
			switch csy {
			case onem2m.ConsistencyAbandonMember:
				continue
			case onem2m.ConsistencySetMixed:
				mt = onem2m.MemberTypeMixed
			default:
				return onem2m.Errorf(onem2m.RSCGroupMemberTypeInconsistent,
					"member %s is a %s, group accepts %s", addr, ty, mt)
			}
		}
		kept = append(kept, addr)
	}

	newMid := make([]any, 0, len(kept))
	for _, m := range kept {
		newMid = append(newMid, m)
	}
	r.Attributes["mid"] = newMid
	r.Attributes["cnm"] = int64(len(kept))
	r.Attributes["mt"] = int64(mt)
	r.Attributes["csy"] = int64(csy)
	r.Attributes["mtv"] = mtv
	return nil
}

// memberType resolves one member reference. A member on another CSE exists
// but stays unverified; a virtual suffix (la, ol, fopt) is exempt from type
// checking since its effective type follows from the addressed parent.
func (b *groupBehavior) memberType(ctx context.Context, addr string) (ty onem2m.ResourceType, verified, exists bool, err error) {
	parsed, err := onem2m.ParseAddress(addr)
	if err != nil {
		return 0, false, false, onem2m.ErrBadRequest("invalid member address %s", addr)
	}
	if parsed.CSEID != "" && parsed.CSEID != b.env.Settings().CSEID {
		return 0, false, true, nil
	}

	path, suffix := onem2m.SplitVirtualSuffix(parsed.Path)
	doc, err := b.env.ResolveLocal(ctx, path)
	if errors.Is(err, storage.ErrNotFound) || onem2m.IsNotFound(err) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, onem2m.ErrInternal("resolving group member", err)
	}
	if suffix != "" {
		return 0, true, true, nil
	}
	return doc.Type, true, true, nil
}
