package onem2m

import (
	"net/http"
	"strconv"
)

// RSC is a oneM2M response status code (m2m:responseStatusCode).
type RSC int

// Response status codes. 1xxx codes are informational, 2xxx success, 4xxx
// originator errors, 5xxx receiver errors and 6xxx network service errors.
const (
	RSCAccepted                 RSC = 1000
	RSCAcceptedNonBlockingSynch RSC = 1001
	RSCAcceptedNonBlockingAsync RSC = 1002

	RSCOK      RSC = 2000
	RSCCreated RSC = 2001
	RSCDeleted RSC = 2002
	RSCUpdated RSC = 2004

	RSCBadRequest                  RSC = 4000
	RSCReleaseVersionNotSupported  RSC = 4001
	RSCNotFound                    RSC = 4004
	RSCOperationNotAllowed         RSC = 4005
	RSCRequestTimeout              RSC = 4008
	RSCUnsupportedMediaType        RSC = 4015
	RSCSubscriptionCreatorNoPriv   RSC = 4101
	RSCContentsUnacceptable        RSC = 4102
	RSCOriginatorHasNoPrivilege    RSC = 4103
	RSCConflict                    RSC = 4105
	RSCOriginatorHasNotRegistered  RSC = 4106
	RSCSecurityAssociationRequired RSC = 4107
	RSCInvalidChildResourceType    RSC = 4108
	RSCNoMembers                   RSC = 4109
	RSCGroupMemberTypeInconsistent RSC = 4110
	RSCOriginatorAlreadyRegistered RSC = 4117
	RSCAppRuleValidationFailed     RSC = 4118

	RSCInternalServerError           RSC = 5000
	RSCNotImplemented                RSC = 5001
	RSCTargetNotReachable            RSC = 5103
	RSCReceiverHasNoPrivilege        RSC = 5105
	RSCAlreadyExists                 RSC = 5106
	RSCRemoteEntityNotReachable      RSC = 5107
	RSCTargetNotSubscribable         RSC = 5203
	RSCSubscriptionVerificationFail  RSC = 5204
	RSCSubscriptionHostNoPrivilege   RSC = 5205
	RSCNotAcceptable                 RSC = 5207
	RSCCrossResourceOperationFailure RSC = 5221
	RSCOperationDeniedByRemote       RSC = 5230

	RSCMaxNumberOfMemberExceeded RSC = 6010
	RSCInvalidArguments          RSC = 6023
	RSCInsufficientArguments     RSC = 6024
)

// IsSuccess reports whether the code signals a successful or accepted
// outcome.
func (c RSC) IsSuccess() bool {
	return c >= RSCAccepted && c < RSCBadRequest
}

var rscHTTP = map[RSC]int{
	RSCAccepted:                 http.StatusAccepted,
	RSCAcceptedNonBlockingSynch: http.StatusAccepted,
	RSCAcceptedNonBlockingAsync: http.StatusAccepted,

	RSCOK:      http.StatusOK,
	RSCCreated: http.StatusCreated,
	RSCDeleted: http.StatusOK,
	RSCUpdated: http.StatusOK,

	RSCBadRequest:                  http.StatusBadRequest,
	RSCReleaseVersionNotSupported:  http.StatusBadRequest,
	RSCNotFound:                    http.StatusNotFound,
	RSCOperationNotAllowed:         http.StatusMethodNotAllowed,
	RSCRequestTimeout:              http.StatusRequestTimeout,
	RSCUnsupportedMediaType:        http.StatusUnsupportedMediaType,
	RSCSubscriptionCreatorNoPriv:   http.StatusForbidden,
	RSCContentsUnacceptable:        http.StatusBadRequest,
	RSCOriginatorHasNoPrivilege:    http.StatusForbidden,
	RSCConflict:                    http.StatusConflict,
	RSCOriginatorHasNotRegistered:  http.StatusForbidden,
	RSCSecurityAssociationRequired: http.StatusForbidden,
	RSCInvalidChildResourceType:    http.StatusForbidden,
	RSCNoMembers:                   http.StatusForbidden,
	RSCGroupMemberTypeInconsistent: http.StatusBadRequest,
	RSCOriginatorAlreadyRegistered: http.StatusConflict,
	RSCAppRuleValidationFailed:     http.StatusForbidden,

	RSCInternalServerError:           http.StatusInternalServerError,
	RSCNotImplemented:                http.StatusNotImplemented,
	RSCTargetNotReachable:            http.StatusNotFound,
	RSCReceiverHasNoPrivilege:        http.StatusForbidden,
	RSCAlreadyExists:                 http.StatusConflict,
	RSCRemoteEntityNotReachable:      http.StatusNotFound,
	RSCTargetNotSubscribable:         http.StatusForbidden,
	RSCSubscriptionVerificationFail:  http.StatusInternalServerError,
	RSCSubscriptionHostNoPrivilege:   http.StatusForbidden,
	RSCNotAcceptable:                 http.StatusNotAcceptable,
	RSCCrossResourceOperationFailure: http.StatusInternalServerError,
	RSCOperationDeniedByRemote:       http.StatusForbidden,

	RSCMaxNumberOfMemberExceeded: http.StatusBadRequest,
	RSCInvalidArguments:          http.StatusBadRequest,
	RSCInsufficientArguments:     http.StatusBadRequest,
}

// HTTPStatus maps the code to the HTTP status used by the HTTP binding.
// Unknown codes map to 500 so a bug never turns into a silent success.
func (c RSC) HTTPStatus() int {
	if s, ok := rscHTTP[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// SuccessRSC returns the success status code for an operation.
func SuccessRSC(op Operation) RSC {
	switch op {
	case OperationCreate:
		return RSCCreated
	case OperationUpdate:
		return RSCUpdated
	case OperationDelete:
		return RSCDeleted
	default:
		return RSCOK
	}
}

// String renders the numeric code, matching its wire form.
func (c RSC) String() string {
	return strconv.Itoa(int(c))
}
