package cse

import (
	"context"
	"testing"
	"time"

	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

func intPtr(n int) *int { return &n }

func discoverReq(origin, target string, fc *onem2m.FilterCriteria) *onem2m.Request {
	fc.FilterUsage = onem2m.FilterUsageDiscovery
	req := retrieveReq(origin, target)
	req.FilterCriteria = fc
	return req
}

// discoveredPaths runs a discovery and returns the result address list.
func discoveredPaths(t *testing.T, svc *Service, req *onem2m.Request) []string {
	t.Helper()
	rsp := svc.Handle(context.Background(), req)
	wantRSC(t, rsp, onem2m.RSCOK)
	raw, ok := rsp.Content.Slice("m2m:uril")
	if !ok {
		t.Fatalf("no m2m:uril in %v", rsp.Content)
	}
	paths := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			t.Fatalf("uril entry %v is %T, want string", v, v)
		}
		paths = append(paths, s)
	}
	return paths
}

func TestDiscoverByLabel(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Labels: []string{"floor1"},
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("matches = %v, want [cse-in/ae1/sensors]", got)
	}
}

func TestDiscoverByType(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContentInstance},
	}))
	if len(got) != 2 {
		t.Errorf("matches = %v, want the 2 instances", got)
	}
}

func TestDiscoverConditionsCombineWithAND(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		Labels:        []string{"floor2"},
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/config" {
		t.Errorf("matches = %v, want [cse-in/ae1/config]", got)
	}
}

func TestDiscoverConditionsCombineWithOR(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		FilterOperation: onem2m.FilterOperationOR,
		ResourceTypes:   []onem2m.ResourceType{onem2m.ResourceTypeAE},
		Labels:          []string{"floor2"},
	}))
	// Breadth first: the AE sits one level above the containers.
	want := []string{"cse-in/ae1", "cse-in/ae1/config"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("matches = %v, want %v", got, want)
	}
}

func TestDiscoverLimitAndOffset(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	fc := &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		Limit:         intPtr(1),
	}
	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", fc))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("first page = %v, want [cse-in/ae1/sensors]", got)
	}

	fc = &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		Offset:        intPtr(1),
	}
	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", fc))
	if len(got) != 1 || got[0] != "cse-in/ae1/config" {
		t.Errorf("second page = %v, want [cse-in/ae1/config]", got)
	}

	fc = &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		Offset:        intPtr(5),
	}
	if got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", fc)); len(got) != 0 {
		t.Errorf("past-the-end page = %v, want empty", got)
	}
}

func TestDiscoverLevelBound(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Level: intPtr(2),
	}))
	// Base, AE and the two containers; the instances sit at depth 3.
	if len(got) != 4 {
		t.Errorf("matches = %v, want 4 resources within two levels", got)
	}
}

func TestDiscoverUnstructuredResults(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	req := discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeAE},
	})
	req.DesiredIdentifierResultType = onem2m.ResultTypeUnstructured
	got := discoveredPaths(t, svc, req)
	if len(got) != 1 || got[0] != "CAe1" {
		t.Errorf("matches = %v, want the unstructured AE identifier", got)
	}
}

func TestDiscoverByAttribute(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Attributes: []onem2m.AttributeMatch{{Name: "api", Value: "Ntest.app"}},
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1" {
		t.Errorf("matches = %v, want [cse-in/ae1]", got)
	}

	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Attributes: []onem2m.AttributeMatch{{Name: "con", Value: "v1"}},
	}))
	if len(got) != 1 {
		t.Errorf("matches = %v, want the one instance holding v1", got)
	}
}

func TestDiscoverByCreationTime(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	past := onem2m.FormatTime(time.Now().UTC().Add(-time.Hour))

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		CreatedAfter:  past,
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
	}))
	if len(got) != 2 {
		t.Errorf("created-after matches = %v, want both containers", got)
	}

	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		CreatedBefore: past,
	}))
	if len(got) != 0 {
		t.Errorf("created-before matches = %v, want none", got)
	}
}

func TestDiscoverByStateTag(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	// Each instance activation bumped the sensors state tag; config never moved.
	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes:  []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		StateTagBigger: intPtr(1),
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("stb matches = %v, want [cse-in/ae1/sensors]", got)
	}

	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes:   []onem2m.ResourceType{onem2m.ResourceTypeContainer},
		StateTagSmaller: intPtr(1),
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/config" {
		t.Errorf("sts matches = %v, want [cse-in/ae1/config]", got)
	}
}

func TestDiscoverBySize(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContentInstance},
		SizeAbove:     intPtr(1),
	}))
	if len(got) != 2 {
		t.Errorf("sza matches = %v, want both instances", got)
	}

	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContentInstance},
		SizeBelow:     intPtr(2),
	}))
	if len(got) != 0 {
		t.Errorf("szb matches = %v, want none", got)
	}
}

func TestDiscoverByContentType(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	mustCreate(t, svc, "CAe1", "cse-in/ae1/config", onem2m.ResourceTypeContentInstance, onem2m.Attributes{
		"m2m:cin": map[string]any{"con": "{}", "cnf": "application/json:0"},
	})

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ContentTypes: []string{"application/json"},
	}))
	if len(got) != 1 {
		t.Errorf("cty matches = %v, want the json instance", got)
	}
}

func TestDiscoverByParentAndChildType(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ParentTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
	}))
	if len(got) != 2 {
		t.Errorf("pty matches = %v, want the 2 instances", got)
	}

	got = discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ChildTypes: []onem2m.ResourceType{onem2m.ResourceTypeContentInstance},
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("chty matches = %v, want [cse-in/ae1/sensors]", got)
	}
}

func TestDiscoverAppliesRelativePath(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)

	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes:     []onem2m.ResourceType{onem2m.ResourceTypeAE},
		ApplyRelativePath: "sensors",
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("arp matches = %v, want [cse-in/ae1/sensors]", got)
	}
}

func TestDiscoverSkipsUnreadableBranches(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	registerAE(t, svc, "CAe2", "ae2")

	// CAe2 owns nothing under ae1, so those resources stay invisible.
	got := discoveredPaths(t, svc, discoverReq("CAe2", "cse-in", &onem2m.FilterCriteria{
		ResourceTypes: []onem2m.ResourceType{onem2m.ResourceTypeContainer},
	}))
	if len(got) != 0 {
		t.Errorf("matches = %v, want none for a foreign originator", got)
	}
}

func TestDiscoverByGeoLocation(t *testing.T) {
	svc, _ := newTestService(t)
	readFixture(t, svc)
	ctx := context.Background()

	rsp := svc.Handle(ctx, updateReq("CAe1", "cse-in/ae1/sensors", onem2m.Attributes{
		"m2m:cnt": map[string]any{"loc": map[string]any{"typ": int64(1), "crd": "[4.35, 50.85]"}},
	}))
	wantRSC(t, rsp, onem2m.RSCUpdated)

	// A box around Brussels contains the sensors location.
	box := "[[[4.0,50.0],[5.0,50.0],[5.0,51.0],[4.0,51.0],[4.0,50.0]]]"
	got := discoveredPaths(t, svc, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Geo: &onem2m.GeoQuery{GeometryType: 3, Geometry: box, SpatialFunction: 1},
	}))
	if len(got) != 1 || got[0] != "cse-in/ae1/sensors" {
		t.Errorf("geo matches = %v, want [cse-in/ae1/sensors]", got)
	}

	// An invalid geometry fails the whole discovery.
	rsp = svc.Handle(ctx, discoverReq("CAe1", "cse-in", &onem2m.FilterCriteria{
		Geo: &onem2m.GeoQuery{GeometryType: 3, Geometry: "not json", SpatialFunction: 1},
	}))
	wantRSC(t, rsp, onem2m.RSCBadRequest)
}
