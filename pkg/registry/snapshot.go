package registry

import (
	"sort"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// Snapshot is one immutable, fully resolved set of attribute policies.
// Lookups never mutate a snapshot, so a single instance may be shared by any
// number of concurrent requests while the registry swaps in newer versions
// behind it.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	files    []string

	types      map[onem2m.ResourceType]*TypePolicy
	typesBySN  map[string]*TypePolicy
	complex    map[string]map[string]*AttributePolicy
	enums      map[string]map[int64]struct{}
	enumValues map[string][]int64
	specs      map[string]*Specialization
	specsByCND map[string]*Specialization
}

// Version is the monotonically increasing load counter of this snapshot.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt is the time the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Files lists the policy sources the snapshot was built from.
func (s *Snapshot) Files() []string { return s.files }

// Type returns the policy for a resource type code, including derived
// announced variants.
func (s *Snapshot) Type(ty onem2m.ResourceType) (*TypePolicy, bool) {
	tp, ok := s.types[ty]
	return tp, ok
}

// TypeByShortName returns the policy for a type short name such as "cnt" or
// "cntA".
func (s *Snapshot) TypeByShortName(sn string) (*TypePolicy, bool) {
	tp, ok := s.typesBySN[sn]
	return tp, ok
}

// Types returns all type policies ordered by type code.
func (s *Snapshot) Types() []*TypePolicy {
	out := make([]*TypePolicy, 0, len(s.types))
	for _, tp := range s.types {
		out = append(out, tp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Supports reports whether the snapshot carries a policy for ty.
func (s *Snapshot) Supports(ty onem2m.ResourceType) bool {
	_, ok := s.types[ty]
	return ok
}

// Complex returns the member policies of a complex type table.
func (s *Snapshot) Complex(name string) (map[string]*AttributePolicy, bool) {
	m, ok := s.complex[name]
	return m, ok
}

// EnumContains reports whether v is a member of the named enum table.
// Unknown tables contain nothing.
func (s *Snapshot) EnumContains(name string, v int64) bool {
	values, ok := s.enums[name]
	if !ok {
		return false
	}
	_, ok = values[v]
	return ok
}

// EnumValues returns the sorted value list of an enum table, mainly for
// error messages.
func (s *Snapshot) EnumValues(name string) ([]int64, bool) {
	v, ok := s.enumValues[name]
	return v, ok
}

// Specialization returns the flexContainer specialization registered for a
// namespaced type name such as "cod:color".
func (s *Snapshot) Specialization(tpe string) (*Specialization, bool) {
	sp, ok := s.specs[tpe]
	return sp, ok
}

// SpecializationByCND returns the specialization registered under a
// containerDefinition value.
func (s *Snapshot) SpecializationByCND(cnd string) (*Specialization, bool) {
	sp, ok := s.specsByCND[cnd]
	return sp, ok
}

// Specializations returns all registered specializations ordered by type
// name.
func (s *Snapshot) Specializations() []*Specialization {
	out := make([]*Specialization, 0, len(s.specs))
	for _, sp := range s.specs {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TPE < out[j].TPE })
	return out
}

// TypeCount returns the number of type policies including announced
// variants.
func (s *Snapshot) TypeCount() int { return len(s.types) }
