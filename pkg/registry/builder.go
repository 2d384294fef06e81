package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// policyDocument is the decoded shape of the unified CUE policy value.
type policyDocument struct {
	Universal       map[string]AttributePolicy   `json:"universalAttributes"`
	Common          map[string]AttributePolicy   `json:"commonAttributes"`
	ResourceTypes   map[string]typeDefinition    `json:"resourceTypes"`
	ComplexTypes    map[string][]AttributePolicy `json:"complexTypes"`
	Enums           map[string][]int64           `json:"enums"`
	Specializations map[string]specDefinition    `json:"specializations"`
}

type typeDefinition struct {
	Ty         int               `json:"ty"`
	LN         string            `json:"ln"`
	Common     []string          `json:"common"`
	Children   []int             `json:"children"`
	Creatable  bool              `json:"creatable"`
	Updatable  bool              `json:"updatable"`
	Deletable  bool              `json:"deletable"`
	Attributes []AttributePolicy `json:"attributes"`
}

type specDefinition struct {
	CND        string            `json:"cnd"`
	LN         string            `json:"ln"`
	Attributes []AttributePolicy `json:"attributes"`
}

// buildSnapshot resolves the decoded document into an immutable snapshot:
// universal and common attributes are merged into every type table, announced
// variants are derived, and all cross references are checked.
func buildSnapshot(doc *policyDocument, version int64, files []string) (*Snapshot, error) {
	s := &Snapshot{
		version:    version,
		loadedAt:   time.Now().UTC(),
		files:      files,
		types:      make(map[onem2m.ResourceType]*TypePolicy),
		typesBySN:  make(map[string]*TypePolicy),
		complex:    make(map[string]map[string]*AttributePolicy),
		enums:      make(map[string]map[int64]struct{}),
		enumValues: make(map[string][]int64),
		specs:      make(map[string]*Specialization),
		specsByCND: make(map[string]*Specialization),
	}

	for name, values := range doc.Enums {
		set := make(map[int64]struct{}, len(values))
		sorted := append([]int64(nil), values...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for _, v := range sorted {
			set[v] = struct{}{}
		}
		s.enums[name] = set
		s.enumValues[name] = sorted
	}

	for name, attrs := range doc.ComplexTypes {
		table := make(map[string]*AttributePolicy, len(attrs))
		for i := range attrs {
			a := attrs[i]
			if err := normalizeAttribute(&a); err != nil {
				return nil, fmt.Errorf("complex type %q: %w", name, err)
			}
			if _, dup := table[a.ShortName]; dup {
				return nil, fmt.Errorf("complex type %q declares attribute %q twice", name, a.ShortName)
			}
			table[a.ShortName] = &a
		}
		s.complex[name] = table
	}

	// Resolve type tables: universal first, then the selected common
	// attributes, then type-specific entries which may override both.
	for _, sn := range sortedKeys(doc.ResourceTypes) {
		def := doc.ResourceTypes[sn]
		ty := onem2m.ResourceType(def.Ty)
		if ty <= 0 || ty.IsAnnounced() || ty.IsVirtual() {
			return nil, fmt.Errorf("resource type %q: code %d is not an original resource type", sn, def.Ty)
		}
		if _, dup := s.types[ty]; dup {
			return nil, fmt.Errorf("resource type code %d declared twice", def.Ty)
		}

		tp := &TypePolicy{
			Type:       ty,
			ShortName:  sn,
			LongName:   def.LN,
			Attributes: make(map[string]*AttributePolicy),
			Creatable:  def.Creatable,
			Updatable:  def.Updatable,
			Deletable:  def.Deletable,
		}
		for _, name := range sortedKeys(doc.Universal) {
			a := doc.Universal[name]
			if err := normalizeAttribute(&a); err != nil {
				return nil, fmt.Errorf("universal attribute %q: %w", name, err)
			}
			tp.Attributes[a.ShortName] = &a
		}
		for _, name := range def.Common {
			c, ok := doc.Common[name]
			if !ok {
				return nil, fmt.Errorf("resource type %q references unknown common attribute %q", sn, name)
			}
			if err := normalizeAttribute(&c); err != nil {
				return nil, fmt.Errorf("common attribute %q: %w", name, err)
			}
			tp.Attributes[c.ShortName] = &c
		}
		seen := make(map[string]bool, len(def.Attributes))
		for i := range def.Attributes {
			a := def.Attributes[i]
			if err := normalizeAttribute(&a); err != nil {
				return nil, fmt.Errorf("resource type %q: %w", sn, err)
			}
			if seen[a.ShortName] {
				return nil, fmt.Errorf("resource type %q declares attribute %q twice", sn, a.ShortName)
			}
			seen[a.ShortName] = true
			tp.Attributes[a.ShortName] = &a
		}
		for _, c := range def.Children {
			child := onem2m.ResourceType(c)
			if child.IsAnnounced() || child.IsVirtual() {
				return nil, fmt.Errorf("resource type %q: child code %d must be an original resource type", sn, c)
			}
			tp.Children = append(tp.Children, child)
		}

		s.types[ty] = tp
		s.typesBySN[sn] = tp
	}

	if err := s.checkReferences(); err != nil {
		return nil, err
	}

	s.deriveAnnounced()

	// Specializations extend the generic flexContainer table and must not
	// shadow any of its attributes.
	fcnt, hasFCNT := s.types[onem2m.ResourceTypeFlexContainer]
	for _, tpe := range sortedKeys(doc.Specializations) {
		def := doc.Specializations[tpe]
		if def.CND == "" {
			return nil, fmt.Errorf("specialization %q has no containerDefinition", tpe)
		}
		if other, dup := s.specsByCND[def.CND]; dup {
			return nil, fmt.Errorf("specializations %q and %q share containerDefinition %q", tpe, other.TPE, def.CND)
		}
		sp := &Specialization{
			TPE:                 tpe,
			ContainerDefinition: def.CND,
			LongName:            def.LN,
			Attributes:          make(map[string]*AttributePolicy, len(def.Attributes)),
		}
		for i := range def.Attributes {
			a := def.Attributes[i]
			if err := normalizeAttribute(&a); err != nil {
				return nil, fmt.Errorf("specialization %q: %w", tpe, err)
			}
			if _, dup := sp.Attributes[a.ShortName]; dup {
				return nil, fmt.Errorf("specialization %q declares attribute %q twice", tpe, a.ShortName)
			}
			if hasFCNT {
				if _, shadows := fcnt.Attributes[a.ShortName]; shadows {
					return nil, fmt.Errorf("specialization %q redefines flexContainer attribute %q", tpe, a.ShortName)
				}
			}
			if err := s.checkAttributeRefs("specialization "+tpe, &a); err != nil {
				return nil, err
			}
			sp.Attributes[a.ShortName] = &a
		}
		s.specs[tpe] = sp
		s.specsByCND[def.CND] = sp
	}

	return s, nil
}

// normalizeAttribute fills derived fields and rejects inconsistent
// declarations. List-typed attributes always end up with an L cardinality.
func normalizeAttribute(a *AttributePolicy) error {
	if a.ShortName == "" {
		return fmt.Errorf("attribute with empty short name")
	}
	if a.Namespace == "" {
		a.Namespace = "m2m"
	}
	switch a.Type {
	case TypeList, TypeListNE:
		if a.ListType == "" {
			return fmt.Errorf("attribute %q: list type without ltype", a.ShortName)
		}
		if a.ListType == TypeList || a.ListType == TypeListNE {
			return fmt.Errorf("attribute %q: nested list ltype", a.ShortName)
		}
		switch a.Cardinality {
		case Card1, Card1L:
			a.Cardinality = Card1L
		default:
			a.Cardinality = Card01L
		}
	default:
		if a.ListType != "" {
			return fmt.Errorf("attribute %q: ltype on non-list type %s", a.ShortName, a.Type)
		}
		switch a.Cardinality {
		case Card1, Card1L:
			a.Cardinality = Card1
		default:
			a.Cardinality = Card01
		}
	}
	if (a.Type == TypeEnum || a.ListType == TypeEnum) && a.EnumType == "" {
		return fmt.Errorf("attribute %q: enum without etype", a.ShortName)
	}
	if (a.Type == TypeComplex || a.ListType == TypeComplex) && a.ComplexType == "" {
		return fmt.Errorf("attribute %q: complex without ctype", a.ShortName)
	}
	return nil
}

// checkReferences verifies that every enum and complex reference points at a
// declared table, and that child type codes are known.
func (s *Snapshot) checkReferences() error {
	for _, tp := range s.Types() {
		for _, sn := range sortedKeys(tp.Attributes) {
			if err := s.checkAttributeRefs(fmt.Sprintf("resource type %q", tp.ShortName), tp.Attributes[sn]); err != nil {
				return err
			}
		}
		for _, c := range tp.Children {
			if _, ok := s.types[c]; !ok {
				return fmt.Errorf("resource type %q allows unknown child type %d", tp.ShortName, c)
			}
		}
	}
	for _, name := range sortedKeys(s.complex) {
		for _, sn := range sortedKeys(s.complex[name]) {
			if err := s.checkAttributeRefs(fmt.Sprintf("complex type %q", name), s.complex[name][sn]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Snapshot) checkAttributeRefs(where string, a *AttributePolicy) error {
	if a.EnumType != "" {
		if _, ok := s.enums[a.EnumType]; !ok {
			return fmt.Errorf("%s: attribute %q references unknown enum %q", where, a.ShortName, a.EnumType)
		}
	}
	if a.ComplexType != "" {
		if _, ok := s.complex[a.ComplexType]; !ok {
			return fmt.Errorf("%s: attribute %q references unknown complex type %q", where, a.ShortName, a.ComplexType)
		}
	}
	return nil
}

// deriveAnnounced builds the announced variant of every announceable type
// (those carrying an announceTo attribute) and extends child tables so that
// announced children are allowed wherever their originals are.
func (s *Snapshot) deriveAnnounced() {
	originals := s.Types()

	for _, tp := range originals {
		if !tp.Announceable() {
			continue
		}
		annc := &TypePolicy{
			Type:       tp.Type.Announced(),
			ShortName:  tp.ShortName + "A",
			LongName:   tp.LongName + "Annc",
			Attributes: make(map[string]*AttributePolicy),
			Creatable:  true,
			Updatable:  true,
			Deletable:  true,
		}
		for sn, a := range tp.Attributes {
			da, ok := DeriveAnnounced(a)
			if !ok {
				continue
			}
			annc.Attributes[sn] = da
		}
		annc.Attributes["lnk"] = &AttributePolicy{
			ShortName:   "lnk",
			LongName:    "link",
			Namespace:   "m2m",
			Type:        TypeURI,
			Cardinality: Card1,
			Create:      Mandatory,
			Update:      NotPresent,
			Discovery:   Optional,
			Announced:   AnnounceNA,
		}
		// Subscriptions attach to announced resources like to any other.
		annc.Children = append(annc.Children, onem2m.ResourceTypeSubscription)
		for _, c := range tp.Children {
			if child, ok := s.types[c]; ok && child.Announceable() {
				annc.Children = append(annc.Children, c.Announced())
			}
		}
		s.types[annc.Type] = annc
		s.typesBySN[annc.ShortName] = annc
	}

	for _, tp := range originals {
		for _, c := range tp.Children {
			if _, ok := s.types[c.Announced()]; ok {
				tp.Children = append(tp.Children, c.Announced())
			}
		}
	}
}

// DeriveAnnounced maps an original attribute policy onto its announced-variant
// counterpart. Attributes with disposition NA, among them all universal
// attributes, are absent from announced resources and return false. MA
// attributes are mandatory on announce, OA attributes optional.
func DeriveAnnounced(a *AttributePolicy) (*AttributePolicy, bool) {
	universal := map[string]bool{"ty": true, "ri": true, "rn": true, "pi": true, "ct": true, "lt": true}
	if universal[a.ShortName] {
		// Announced resources carry their own universal attributes,
		// assigned by the hosting CSE like for any local resource.
		da := *a
		return &da, true
	}
	if a.Announced == AnnounceNA {
		return nil, false
	}
	da := *a
	da.Discovery = Optional
	// An original without et never expires; its mirrors carry no et either,
	// so expiration stays optional on announced variants.
	if a.Announced == AnnounceMA && a.ShortName != "et" {
		da.Create = Mandatory
		da.Update = Optional
		if da.IsList() {
			da.Cardinality = Card1L
		} else {
			da.Cardinality = Card1
		}
	} else {
		da.Create = Optional
		da.Update = Optional
		if da.IsList() {
			da.Cardinality = Card01L
		} else {
			da.Cardinality = Card01
		}
	}
	return &da, true
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
