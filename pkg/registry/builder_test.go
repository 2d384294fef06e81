package registry

import (
	"strings"
	"testing"
)

func TestNormalizeAttribute(t *testing.T) {
	tests := []struct {
		name    string
		in      AttributePolicy
		wantErr string
		check   func(t *testing.T, a *AttributePolicy)
	}{
		{
			name: "defaults namespace and scalar cardinality",
			in:   AttributePolicy{ShortName: "apn", LongName: "appName", Type: TypeString},
			check: func(t *testing.T, a *AttributePolicy) {
				if a.Namespace != "m2m" {
					t.Errorf("namespace = %q", a.Namespace)
				}
				if a.Cardinality != Card01 {
					t.Errorf("cardinality = %q", a.Cardinality)
				}
			},
		},
		{
			name: "list cardinality normalized to L form",
			in:   AttributePolicy{ShortName: "lbl", LongName: "labels", Type: TypeList, ListType: TypeString, Cardinality: Card1},
			check: func(t *testing.T, a *AttributePolicy) {
				if a.Cardinality != Card1L {
					t.Errorf("cardinality = %q", a.Cardinality)
				}
			},
		},
		{
			name:    "list without element type",
			in:      AttributePolicy{ShortName: "nu", LongName: "notificationURI", Type: TypeListNE},
			wantErr: "without ltype",
		},
		{
			name:    "nested lists rejected",
			in:      AttributePolicy{ShortName: "x", LongName: "x", Type: TypeList, ListType: TypeList},
			wantErr: "nested list",
		},
		{
			name:    "ltype on scalar rejected",
			in:      AttributePolicy{ShortName: "x", LongName: "x", Type: TypeString, ListType: TypeString},
			wantErr: "ltype on non-list",
		},
		{
			name:    "enum without table",
			in:      AttributePolicy{ShortName: "mt", LongName: "memberType", Type: TypeEnum},
			wantErr: "enum without etype",
		},
		{
			name:    "complex without table",
			in:      AttributePolicy{ShortName: "pv", LongName: "privileges", Type: TypeComplex},
			wantErr: "complex without ctype",
		},
		{
			name:    "empty short name",
			in:      AttributePolicy{LongName: "x", Type: TypeString},
			wantErr: "empty short name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tt.in
			err := normalizeAttribute(&a)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("normalizeAttribute() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeAttribute() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, &a)
			}
		})
	}
}

func TestBuildSnapshotErrors(t *testing.T) {
	base := func() *policyDocument {
		return &policyDocument{
			Universal: map[string]AttributePolicy{
				"ri": {ShortName: "ri", LongName: "resourceID", Type: TypeString, Cardinality: Card1, Create: NotPresent, Update: NotPresent},
			},
			Common: map[string]AttributePolicy{
				"lbl": {ShortName: "lbl", LongName: "labels", Type: TypeList, ListType: TypeString},
			},
			ResourceTypes: map[string]typeDefinition{
				"cnt": {
					Ty: 3, LN: "container",
					Common:    []string{"lbl"},
					Creatable: true, Updatable: true, Deletable: true,
				},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(doc *policyDocument)
		wantErr string
	}{
		{
			name: "unknown common reference",
			mutate: func(doc *policyDocument) {
				td := doc.ResourceTypes["cnt"]
				td.Common = []string{"nosuch"}
				doc.ResourceTypes["cnt"] = td
			},
			wantErr: "unknown common attribute",
		},
		{
			name: "duplicate type code",
			mutate: func(doc *policyDocument) {
				doc.ResourceTypes["cnt2"] = typeDefinition{Ty: 3, LN: "container2"}
			},
			wantErr: "declared twice",
		},
		{
			name: "announced code rejected",
			mutate: func(doc *policyDocument) {
				doc.ResourceTypes["bad"] = typeDefinition{Ty: 10003, LN: "bad"}
			},
			wantErr: "not an original resource type",
		},
		{
			name: "duplicate attribute",
			mutate: func(doc *policyDocument) {
				td := doc.ResourceTypes["cnt"]
				td.Attributes = []AttributePolicy{
					{ShortName: "mni", LongName: "maxNrOfInstances", Type: TypeNonNegInteger},
					{ShortName: "mni", LongName: "maxNrOfInstances", Type: TypeNonNegInteger},
				}
				doc.ResourceTypes["cnt"] = td
			},
			wantErr: "attribute \"mni\" twice",
		},
		{
			name: "unknown child type",
			mutate: func(doc *policyDocument) {
				td := doc.ResourceTypes["cnt"]
				td.Children = []int{42}
				doc.ResourceTypes["cnt"] = td
			},
			wantErr: "unknown child type 42",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := base()
			tt.mutate(doc)
			if _, err := buildSnapshot(doc, 1, nil); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("buildSnapshot() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDeriveAnnouncedAttribute(t *testing.T) {
	ma := &AttributePolicy{ShortName: "api", LongName: "App-ID", Type: TypeString, Cardinality: Card1, Create: Mandatory, Update: NotPresent, Announced: AnnounceMA}
	da, ok := DeriveAnnounced(ma)
	if !ok {
		t.Fatal("MA attribute must be announced")
	}
	if da.Create != Mandatory || da.Update != Optional || da.Cardinality != Card1 {
		t.Errorf("derived MA policy = %+v", da)
	}

	oa := &AttributePolicy{ShortName: "lbl", LongName: "labels", Type: TypeList, ListType: TypeString, Cardinality: Card1L, Create: Optional, Update: Optional, Announced: AnnounceOA}
	da, ok = DeriveAnnounced(oa)
	if !ok {
		t.Fatal("OA attribute must be announced")
	}
	if da.Create != Optional || da.Cardinality != Card01L {
		t.Errorf("derived OA policy = %+v", da)
	}

	na := &AttributePolicy{ShortName: "cni", LongName: "currentNrOfInstances", Type: TypeNonNegInteger, Announced: AnnounceNA}
	if _, ok := DeriveAnnounced(na); ok {
		t.Error("NA attribute must not be announced")
	}

	// MA expiration stays optional: originals without et never expire.
	et := &AttributePolicy{ShortName: "et", LongName: "expirationTime", Type: TypeTimestamp, Cardinality: Card1, Create: Optional, Update: Optional, Announced: AnnounceMA}
	da, ok = DeriveAnnounced(et)
	if !ok || da.Create != Optional {
		t.Errorf("derived et policy = %+v, ok=%v", da, ok)
	}

	// Universal attributes survive regardless of disposition.
	ri := &AttributePolicy{ShortName: "ri", LongName: "resourceID", Type: TypeString, Cardinality: Card1, Announced: AnnounceNA}
	if _, ok := DeriveAnnounced(ri); !ok {
		t.Error("universal ri must stay on announced variants")
	}
}
