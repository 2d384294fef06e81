// Package validation checks create and update content against the attribute
// policies served by the registry: unknown attributes, per-operation
// optionality, data types, enum membership and complex attribute shapes.
// Values are normalized in place on success, so downstream code always sees
// int64 for integers and float64 for floats regardless of the decoder that
// produced the request.
package validation

import (
	"strings"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/registry"
)

// wkAttr is the internal envelope marker the dispatcher stores for
// flexContainers; it is not a resource attribute.
const wkAttr = "__wk"

// Validator validates primitive content against the current policy snapshot.
type Validator struct {
	registry *registry.Registry
}

// New builds a validator on top of the policy registry.
func New(reg *registry.Registry) *Validator {
	return &Validator{registry: reg}
}

// Create validates the content of a create request for ty, using wireKey to
// resolve flexContainer specializations ("cod:color") where applicable.
// attrs is normalized in place.
func (v *Validator) Create(ty onem2m.ResourceType, wireKey string, attrs onem2m.Attributes) error {
	snap := v.registry.Snapshot()
	table, _, err := v.resolveTable(snap, ty, wireKey, attrs)
	if err != nil {
		return err
	}

	for sn, val := range attrs {
		if sn == wkAttr {
			continue
		}
		p, ok := table[sn]
		if !ok {
			return onem2m.ErrBadRequest("unknown attribute for %s", ty).WithAttribute(sn)
		}
		if p.Create == registry.NotPresent {
			return onem2m.ErrBadRequest("attribute is assigned by the CSE and not allowed in create").WithAttribute(sn)
		}
		if val == nil {
			// A null creator asks the CSE to record the originator.
			if sn == "cr" {
				continue
			}
			return onem2m.ErrContentsUnacceptable("attribute must not be null in create").WithAttribute(sn)
		}
		if sn == "cr" {
			return onem2m.ErrContentsUnacceptable("creator carries a value; only null is allowed in create").WithAttribute(sn)
		}
		norm, err := v.checkValue(snap, p, val)
		if err != nil {
			return err
		}
		attrs[sn] = norm
	}

	for sn, p := range table {
		if p.Create == registry.Mandatory && !attrs.Has(sn) {
			return onem2m.ErrBadRequest("missing mandatory attribute").WithAttribute(sn)
		}
	}
	return nil
}

// Update validates the content of an update request against the stored
// representation. Null values are deletion markers and pass through for
// optional attributes. updates is normalized in place.
func (v *Validator) Update(ty onem2m.ResourceType, wireKey string, current, updates onem2m.Attributes) error {
	snap := v.registry.Snapshot()
	if wireKey == "" {
		if wk, ok := current.Str(wkAttr); ok {
			wireKey = wk
		}
	}
	table, _, err := v.resolveTable(snap, ty, wireKey, current)
	if err != nil {
		return err
	}

	if updates.Has("acpi") && len(nonInternalKeys(updates)) > 1 {
		return onem2m.ErrBadRequest("accessControlPolicyIDs must be updated without other attributes").WithAttribute("acpi")
	}

	for sn, val := range updates {
		if sn == wkAttr {
			continue
		}
		p, ok := table[sn]
		if !ok {
			return onem2m.ErrBadRequest("unknown attribute for %s", ty).WithAttribute(sn)
		}
		if p.Update == registry.NotPresent {
			return onem2m.ErrBadRequest("attribute cannot be updated").WithAttribute(sn)
		}
		if val == nil {
			if p.MandatoryInRepresentation() {
				return onem2m.ErrBadRequest("mandatory attribute cannot be deleted").WithAttribute(sn)
			}
			continue
		}
		norm, err := v.checkValue(snap, p, val)
		if err != nil {
			return err
		}
		updates[sn] = norm
	}
	return nil
}

// Policy returns the effective attribute table for a type, with the
// specialization resolved from wireKey or the containerDefinition in attrs.
// Renderers use it to decide which attributes are part of a representation.
func (v *Validator) Policy(ty onem2m.ResourceType, wireKey string, attrs onem2m.Attributes) (map[string]*registry.AttributePolicy, error) {
	snap := v.registry.Snapshot()
	table, _, err := v.resolveTable(snap, ty, wireKey, attrs)
	return table, err
}

// Supports reports whether the policy snapshot knows the resource type.
func (v *Validator) Supports(ty onem2m.ResourceType) bool {
	return v.registry.Snapshot().Supports(ty)
}

// resolveTable returns the attribute table for ty. For flexContainers the
// generic table is merged with the specialization selected by the envelope
// wire key, falling back to the containerDefinition in attrs.
func (v *Validator) resolveTable(snap *registry.Snapshot, ty onem2m.ResourceType, wireKey string, attrs onem2m.Attributes) (map[string]*registry.AttributePolicy, *registry.TypePolicy, error) {
	tp, ok := snap.Type(ty)
	if !ok {
		return nil, nil, onem2m.ErrBadRequest("unsupported resource type %d", ty)
	}
	if ty.Original() != onem2m.ResourceTypeFlexContainer {
		return tp.Attributes, tp, nil
	}

	sp, err := v.specialization(snap, ty, wireKey, attrs)
	if err != nil {
		return nil, nil, err
	}

	merged := make(map[string]*registry.AttributePolicy, len(tp.Attributes)+len(sp.Attributes))
	for sn, p := range tp.Attributes {
		merged[sn] = p
	}
	for sn, p := range sp.Attributes {
		if ty.IsAnnounced() {
			// Custom attributes follow their announcement disposition on
			// the announced variant.
			if da, ok := registry.DeriveAnnounced(p); ok {
				merged[sn] = da
			}
			continue
		}
		merged[sn] = p
	}

	// The envelope fixes the containerDefinition; content may repeat it but
	// not contradict it.
	if cnd, ok := attrs.Str("cnd"); ok && cnd != sp.ContainerDefinition {
		return nil, nil, onem2m.ErrContentsUnacceptable(
			"containerDefinition %q does not match specialization %q", cnd, sp.TPE).WithAttribute("cnd")
	}
	return merged, tp, nil
}

func (v *Validator) specialization(snap *registry.Snapshot, ty onem2m.ResourceType, wireKey string, attrs onem2m.Attributes) (*registry.Specialization, error) {
	tpe := wireKey
	if ty.IsAnnounced() {
		tpe = strings.TrimSuffix(tpe, "A")
	}
	if tpe != "" && tpe != "m2m:fcnt" {
		sp, ok := snap.Specialization(tpe)
		if !ok {
			return nil, onem2m.ErrBadRequest("unregistered flexContainer specialization %q", tpe)
		}
		return sp, nil
	}
	if cnd, ok := attrs.Str("cnd"); ok {
		sp, ok := snap.SpecializationByCND(cnd)
		if !ok {
			return nil, onem2m.ErrBadRequest("unregistered containerDefinition %q", cnd).WithAttribute("cnd")
		}
		return sp, nil
	}
	return nil, onem2m.ErrBadRequest("flexContainer without specialization envelope or containerDefinition")
}

func nonInternalKeys(a onem2m.Attributes) []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		if k == wkAttr {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}
