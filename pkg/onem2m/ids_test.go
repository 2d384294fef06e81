package onem2m

import (
	"strings"
	"testing"
)

func TestNewResourceID(t *testing.T) {
	ri1 := NewResourceID(ResourceTypeContainer)
	ri2 := NewResourceID(ResourceTypeContainer)
	if !strings.HasPrefix(ri1, "cnt") {
		t.Errorf("expected cnt prefix, got %s", ri1)
	}
	if ri1 == ri2 {
		t.Error("resource IDs must be unique")
	}
	if ann := NewResourceID(ResourceTypeContainer.Announced()); !strings.HasPrefix(ann, "cntA") {
		t.Errorf("expected cntA prefix, got %s", ann)
	}
}

func TestNewAEID(t *testing.T) {
	if id := NewAEID(); !strings.HasPrefix(id, "C") {
		t.Errorf("registrar-assigned AE-ID must start with C, got %s", id)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in    string
		scope AddressScope
		spid  string
		cseid string
		path  string
	}{
		{"cnt0001", ScopeCSERelative, "", "", "cnt0001"},
		{"cse-in/ae1/cnt1", ScopeCSERelative, "", "", "cse-in/ae1/cnt1"},
		{"/id-in/cnt0001", ScopeSPRelative, "", "id-in", "cnt0001"},
		{"/id-in/cse-in/ae1", ScopeSPRelative, "", "id-in", "cse-in/ae1"},
		{"/id-in", ScopeSPRelative, "", "id-in", ""},
		{"//sp.example.com/id-in/cnt0001", ScopeAbsolute, "sp.example.com", "id-in", "cnt0001"},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if err != nil {
			t.Errorf("ParseAddress(%q) failed: %v", tt.in, err)
			continue
		}
		if got.Scope != tt.scope || got.SPID != tt.spid || got.CSEID != tt.cseid || got.Path != tt.path {
			t.Errorf("ParseAddress(%q) = %+v", tt.in, got)
		}
	}
	for _, bad := range []string{"", "//sp-only", "/"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("ParseAddress(%q) should fail", bad)
		}
	}
}

func TestSplitVirtualSuffix(t *testing.T) {
	tests := []struct {
		in, base, suffix string
	}{
		{"cse-in/cnt1/la", "cse-in/cnt1", "la"},
		{"cse-in/cnt1/ol", "cse-in/cnt1", "ol"},
		{"cse-in/grp1/fopt", "cse-in/grp1", "fopt"},
		{"cse-in/pch1/pcu", "cse-in/pch1", "pcu"},
		{"cse-in/cnt1", "cse-in/cnt1", ""},
		{"cnt0001", "cnt0001", ""},
	}
	for _, tt := range tests {
		base, suffix := SplitVirtualSuffix(tt.in)
		if base != tt.base || suffix != tt.suffix {
			t.Errorf("SplitVirtualSuffix(%q) = %q, %q", tt.in, base, suffix)
		}
	}
}

func TestValidResourceName(t *testing.T) {
	valid := []string{"myAE", "sensor-1", "a_b.c", "X"}
	for _, rn := range valid {
		if !ValidResourceName(rn) {
			t.Errorf("ValidResourceName(%q) = false", rn)
		}
	}
	invalid := []string{"", "has space", "a/b", "la", "ol", "fopt", "pcu", strings.Repeat("x", 65)}
	for _, rn := range invalid {
		if ValidResourceName(rn) {
			t.Errorf("ValidResourceName(%q) = true", rn)
		}
	}
}

func TestRequestValidate(t *testing.T) {
	base := func() *Request {
		return &Request{
			Operation:  OperationRetrieve,
			Target:     "cnt0001",
			Originator: "CAE1",
			RequestID:  "rqi1",
		}
	}

	if err := base().Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	r := base()
	r.RequestID = ""
	if err := r.Validate(); RSCOf(err) != RSCBadRequest {
		t.Errorf("missing rqi should be badRequest, got %v", err)
	}

	r = base()
	r.Operation = OperationCreate
	if err := r.Validate(); RSCOf(err) != RSCBadRequest {
		t.Errorf("create without ty should be badRequest, got %v", err)
	}

	r = base()
	r.Operation = OperationCreate
	r.ResourceType = ResourceTypeContainer
	if err := r.Validate(); RSCOf(err) != RSCInvalidArguments {
		t.Errorf("create without pc should be invalidArguments, got %v", err)
	}

	r = base()
	rc := ResultContentModifiedAttributes
	r.ResultContent = &rc
	if err := r.Validate(); RSCOf(err) != RSCBadRequest {
		t.Errorf("rcn=9 on retrieve should be badRequest, got %v", err)
	}

	r = base()
	rc = ResultContentSemanticContent
	r.ResultContent = &rc
	if err := r.Validate(); RSCOf(err) != RSCNotImplemented {
		t.Errorf("rcn=10 should be notImplemented, got %v", err)
	}
}
