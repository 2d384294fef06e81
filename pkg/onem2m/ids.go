package onem2m

import (
	"strings"

	"github.com/google/uuid"
)

var riPrefixes = map[ResourceType]string{
	ResourceTypeACP:                "acp",
	ResourceTypeAE:                 "ae",
	ResourceTypeContainer:          "cnt",
	ResourceTypeContentInstance:    "cin",
	ResourceTypeCSEBase:            "cb",
	ResourceTypeGroup:              "grp",
	ResourceTypeMgmtObj:            "mgo",
	ResourceTypeNode:               "nod",
	ResourceTypePollingChannel:     "pch",
	ResourceTypeRemoteCSE:          "csr",
	ResourceTypeRequest:            "req",
	ResourceTypeSchedule:           "sch",
	ResourceTypeSubscription:       "sub",
	ResourceTypeFlexContainer:      "fcnt",
	ResourceTypeTimeSeries:         "ts",
	ResourceTypeTimeSeriesInstance: "tsi",
	ResourceTypeCrossResourceSub:   "crs",
	ResourceTypeFlexContainerInst:  "fci",
	ResourceTypeTimeSyncBeacon:     "tsb",
	ResourceTypeAction:             "actr",
	ResourceTypeDependency:         "depr",
}

func uniqueSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewResourceID allocates an unstructured resource identifier with a short
// type prefix, e.g. "cnt3f9a...".
func NewResourceID(t ResourceType) string {
	prefix, ok := riPrefixes[t.Original()]
	if !ok {
		prefix = "rce"
	}
	if t.IsAnnounced() {
		prefix += "A"
	}
	return prefix + uniqueSuffix()
}

// NewRequestID allocates a request identifier for CSE-originated requests.
func NewRequestID() string {
	return "rqi" + uniqueSuffix()
}

// NewAEID allocates an AE-ID for register requests that leave it to the
// CSE. AE-IDs assigned by the registrar start with "C".
func NewAEID() string {
	return "C" + uniqueSuffix()
}

// AddressScope classifies how far an address reaches.
type AddressScope int

// Address scopes, in increasing reach.
const (
	ScopeCSERelative AddressScope = iota
	ScopeSPRelative
	ScopeAbsolute
)

// Address is a parsed oneM2M resource address.
type Address struct {
	// Scope is the addressing scope the original string used.
	Scope AddressScope

	// SPID is the service provider ID for absolute addresses.
	SPID string

	// CSEID is the CSE-ID for SP-relative and absolute addresses, without
	// the leading slash.
	CSEID string

	// Path is the CSE-relative part: an unstructured resource ID or a
	// structured path starting with the CSEBase resource name.
	Path string
}

// ParseAddress splits a oneM2M address into its scope parts. The path is
// not resolved against the tree here.
func ParseAddress(addr string) (Address, error) {
	switch {
	case strings.HasPrefix(addr, "//"):
		rest := addr[2:]
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return Address{}, ErrBadRequest("invalid absolute address %q", addr)
		}
		a := Address{Scope: ScopeAbsolute, SPID: parts[0], CSEID: parts[1]}
		if len(parts) == 3 {
			a.Path = parts[2]
		}
		return a, nil
	case strings.HasPrefix(addr, "/"):
		rest := addr[1:]
		parts := strings.SplitN(rest, "/", 2)
		if parts[0] == "" {
			return Address{}, ErrBadRequest("invalid SP-relative address %q", addr)
		}
		a := Address{Scope: ScopeSPRelative, CSEID: parts[0]}
		if len(parts) == 2 {
			a.Path = parts[1]
		}
		return a, nil
	case addr == "":
		return Address{}, ErrBadRequest("empty address")
	default:
		return Address{Scope: ScopeCSERelative, Path: addr}, nil
	}
}

// IsStructured reports whether a CSE-relative path is structured, i.e. a
// resource-name path rather than a bare resource ID.
func IsStructured(path string) bool {
	return strings.Contains(path, "/")
}

// SRNJoin builds a structured resource name from a parent SRN and a
// resource name.
func SRNJoin(parent, rn string) string {
	if parent == "" {
		return rn
	}
	return parent + "/" + rn
}

// SplitVirtualSuffix separates a trailing virtual resource name (la, ol,
// fopt, pcu) from a structured path. It returns the base path and the
// suffix, or the input and "" when no virtual suffix is present.
func SplitVirtualSuffix(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	switch suffix := path[i+1:]; suffix {
	case "la", "ol", "fopt", "pcu":
		return path[:i], suffix
	default:
		return path, ""
	}
}

var rnAllowed = func() [256]bool {
	var t [256]bool
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		t[c] = true
	}
	t['-'] = true
	t['_'] = true
	t['.'] = true
	return t
}()

// ValidResourceName reports whether rn is acceptable: non-empty, at most
// 64 characters, unreserved URI characters only and none of the virtual
// resource names.
func ValidResourceName(rn string) bool {
	if rn == "" || len(rn) > 64 {
		return false
	}
	switch rn {
	case "la", "ol", "fopt", "pcu":
		return false
	}
	for i := 0; i < len(rn); i++ {
		if !rnAllowed[rn[i]] {
			return false
		}
	}
	return true
}
