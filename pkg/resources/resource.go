package resources

import (
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
	"github.com/auriga-m2m/auriga/pkg/storage"
)

// Resource wraps a stored resource document with typed access to the
// universal and common attributes. The document's identity fields and the
// attribute map carry the same values; the mutators keep both sides in
// sync.
type Resource struct {
	*storage.ResourceDoc
}

// FromDoc wraps an existing document.
func FromDoc(doc *storage.ResourceDoc) *Resource {
	return &Resource{ResourceDoc: doc}
}

// New builds a resource of type ty from validated create attributes.
func New(ty onem2m.ResourceType, attrs onem2m.Attributes) *Resource {
	if attrs == nil {
		attrs = onem2m.Attributes{}
	}
	attrs["ty"] = int64(ty)
	return &Resource{ResourceDoc: &storage.ResourceDoc{Type: ty, Attributes: attrs}}
}

// SetIdentity assigns the resource identifiers, mirroring them into the
// attribute map. The CSE base has no parent and stores no pi.
func (r *Resource) SetIdentity(ri, pi, rn string) {
	r.RI = ri
	r.PI = pi
	r.Name = rn
	r.Attributes["ri"] = ri
	r.Attributes["rn"] = rn
	if pi != "" {
		r.Attributes["pi"] = pi
	}
}

// OverrideID replaces the allocated resource identifier, for types whose
// identifier derives from registration state rather than the ID allocator.
func (r *Resource) OverrideID(ri string) {
	r.RI = ri
	r.Attributes["ri"] = ri
}

// SetName renames the resource before it is persisted.
func (r *Resource) SetName(rn string) {
	r.Name = rn
	r.Attributes["rn"] = rn
}

// SetPath records the structured resource name. The path is index state,
// not a wire attribute.
func (r *Resource) SetPath(srn string) {
	r.Path = srn
}

// SetCreated stamps the creation and modification times.
func (r *Resource) SetCreated(t time.Time) {
	ts := onem2m.FormatTime(t)
	r.Attributes["ct"] = ts
	r.Attributes["lt"] = ts
}

// Touch updates the modification time.
func (r *Resource) Touch(t time.Time) {
	r.Attributes["lt"] = onem2m.FormatTime(t)
}

// SetExpiration sets or clears the expiration timestamp, keeping the
// document's expiry field and the et attribute aligned.
func (r *Resource) SetExpiration(et string) {
	r.Expiration = et
	if et == "" {
		delete(r.Attributes, "et")
		return
	}
	r.Attributes["et"] = et
}

// StateTag returns the current state tag, zero when the type carries none.
func (r *Resource) StateTag() int64 {
	return r.Attributes.IntOr("st", 0)
}

// BumpStateTag increments the state tag.
func (r *Resource) BumpStateTag() {
	r.Attributes["st"] = r.StateTag() + 1
}

// Creator returns the creator originator, empty when not recorded.
func (r *Resource) Creator() string {
	return r.Attributes.StrOr("cr", "")
}

// ACPIDs returns the access control policy references.
func (r *Resource) ACPIDs() []string {
	ids, _ := r.Attributes.StrSlice("acpi")
	return ids
}

// AnnounceTo returns the announcement target list.
func (r *Resource) AnnounceTo() []string {
	at, _ := r.Attributes.StrSlice("at")
	return at
}

// AnnouncedAttributes returns the opt-in announced attribute names.
func (r *Resource) AnnouncedAttributes() []string {
	aa, _ := r.Attributes.StrSlice("aa")
	return aa
}
