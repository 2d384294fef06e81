package onem2m

import (
	"net/http"
	"testing"
)

func TestResourceTypeAnnounced(t *testing.T) {
	if got := ResourceTypeContainer.Announced(); got != 10003 {
		t.Errorf("expected containerAnnc code 10003, got %d", got)
	}
	if !ResourceTypeContainer.Announced().IsAnnounced() {
		t.Error("announced container should report IsAnnounced")
	}
	if ResourceTypeContainer.IsAnnounced() {
		t.Error("container should not report IsAnnounced")
	}
	if got := ResourceTypeContainer.Announced().Original(); got != ResourceTypeContainer {
		t.Errorf("expected original container, got %d", got)
	}
	if got := ResourceTypeAE.Announced().String(); got != "AEAnnc" {
		t.Errorf("expected AEAnnc, got %s", got)
	}
}

func TestResourceTypeClasses(t *testing.T) {
	virtual := []ResourceType{
		ResourceTypeContainerLatest, ResourceTypeContainerOldest,
		ResourceTypeGroupFanOutPoint, ResourceTypePollingChannelURI,
	}
	for _, ty := range virtual {
		if !ty.IsVirtual() {
			t.Errorf("%s should be virtual", ty)
		}
	}
	if ResourceTypeContainer.IsVirtual() {
		t.Error("container should not be virtual")
	}
	if !ResourceTypeContentInstance.IsInstance() {
		t.Error("contentInstance should be an instance type")
	}
	if ResourceTypeContainer.IsInstance() {
		t.Error("container should not be an instance type")
	}
}

func TestPermissionFor(t *testing.T) {
	tests := []struct {
		op   Operation
		want Permission
	}{
		{OperationCreate, PermissionCreate},
		{OperationRetrieve, PermissionRetrieve},
		{OperationUpdate, PermissionUpdate},
		{OperationDelete, PermissionDelete},
		{OperationNotify, PermissionNotify},
	}
	for _, tt := range tests {
		if got := PermissionFor(tt.op); got != tt.want {
			t.Errorf("PermissionFor(%s) = %d, want %d", tt.op, got, tt.want)
		}
	}
	if !PermissionAll.Has(PermissionDiscover) {
		t.Error("PermissionAll should include discover")
	}
	if (PermissionRetrieve | PermissionDiscover).Has(PermissionUpdate) {
		t.Error("retrieve+discover should not include update")
	}
}

func TestRSCHTTPStatus(t *testing.T) {
	tests := []struct {
		rsc  RSC
		want int
	}{
		{RSCOK, http.StatusOK},
		{RSCCreated, http.StatusCreated},
		{RSCNotFound, http.StatusNotFound},
		{RSCReceiverHasNoPrivilege, http.StatusForbidden},
		{RSCInternalServerError, http.StatusInternalServerError},
		{RSCOperationNotAllowed, http.StatusMethodNotAllowed},
		{RSCConflict, http.StatusConflict},
		{RSCAccepted, http.StatusAccepted},
		{RSC(9999), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.rsc.HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%d) = %d, want %d", tt.rsc, got, tt.want)
		}
	}
}

func TestSuccessRSC(t *testing.T) {
	tests := []struct {
		op   Operation
		want RSC
	}{
		{OperationCreate, RSCCreated},
		{OperationRetrieve, RSCOK},
		{OperationUpdate, RSCUpdated},
		{OperationDelete, RSCDeleted},
		{OperationNotify, RSCOK},
	}
	for _, tt := range tests {
		if got := SuccessRSC(tt.op); got != tt.want {
			t.Errorf("SuccessRSC(%s) = %d, want %d", tt.op, got, tt.want)
		}
	}
}
