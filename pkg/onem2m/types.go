package onem2m

import "strconv"

// ResourceType identifies a oneM2M resource type (m2m:resourceType).
type ResourceType int

// Resource type codes. Announced variants are the original code plus the
// AnncOffset and are produced with ResourceType.Announced.
const (
	ResourceTypeACP                 ResourceType = 1
	ResourceTypeAE                  ResourceType = 2
	ResourceTypeContainer           ResourceType = 3
	ResourceTypeContentInstance     ResourceType = 4
	ResourceTypeCSEBase             ResourceType = 5
	ResourceTypeGroup               ResourceType = 9
	ResourceTypeMgmtObj             ResourceType = 13
	ResourceTypeNode                ResourceType = 14
	ResourceTypePollingChannel      ResourceType = 15
	ResourceTypeRemoteCSE           ResourceType = 16
	ResourceTypeRequest             ResourceType = 17
	ResourceTypeSchedule            ResourceType = 18
	ResourceTypeSubscription        ResourceType = 23
	ResourceTypeFlexContainer       ResourceType = 28
	ResourceTypeTimeSeries          ResourceType = 29
	ResourceTypeTimeSeriesInstance  ResourceType = 30
	ResourceTypeCrossResourceSub    ResourceType = 48
	ResourceTypeFlexContainerInst   ResourceType = 58
	ResourceTypeTimeSyncBeacon      ResourceType = 60
	ResourceTypeAction              ResourceType = 65
	ResourceTypeDependency          ResourceType = 66

	// Virtual resource types are internal, they never appear on the wire as
	// a resource instance. Codes follow the announced space to stay clear of
	// spec-assigned values.
	ResourceTypeContainerLatest   ResourceType = 20001
	ResourceTypeContainerOldest   ResourceType = 20002
	ResourceTypeGroupFanOutPoint  ResourceType = 20003
	ResourceTypePollingChannelURI ResourceType = 20004
	ResourceTypeTimeSeriesLatest  ResourceType = 20005
	ResourceTypeTimeSeriesOldest  ResourceType = 20006
)

// MemberTypeMixed is the group memberType wildcard: the group accepts
// members of any resource type. The code is assigned by the memberType
// enumeration, not the resource type table.
const MemberTypeMixed ResourceType = 24

// AnncOffset is added to a resource type code to form its announced variant,
// for example container (3) announces as containerAnnc (10003).
const AnncOffset ResourceType = 10000

// Announced returns the announced variant of t.
func (t ResourceType) Announced() ResourceType {
	return t + AnncOffset
}

// IsAnnounced reports whether t is an announced variant.
func (t ResourceType) IsAnnounced() bool {
	return t > AnncOffset && t < AnncOffset+10000
}

// Original returns the original resource type for an announced variant, or t
// itself when t is not announced.
func (t ResourceType) Original() ResourceType {
	if t.IsAnnounced() {
		return t - AnncOffset
	}
	return t
}

// IsVirtual reports whether t is one of the internal virtual resource types
// (latest, oldest, fanOutPoint, pollingChannelURI).
func (t ResourceType) IsVirtual() bool {
	switch t {
	case ResourceTypeContainerLatest, ResourceTypeContainerOldest,
		ResourceTypeGroupFanOutPoint, ResourceTypePollingChannelURI,
		ResourceTypeTimeSeriesLatest, ResourceTypeTimeSeriesOldest:
		return true
	}
	return false
}

// IsInstance reports whether t is an instance-style resource that is
// immutable after creation.
func (t ResourceType) IsInstance() bool {
	switch t {
	case ResourceTypeContentInstance, ResourceTypeTimeSeriesInstance, ResourceTypeFlexContainerInst:
		return true
	}
	return false
}

var resourceTypeNames = map[ResourceType]string{
	MemberTypeMixed:                "mixed",
	ResourceTypeACP:                "accessControlPolicy",
	ResourceTypeAE:                 "AE",
	ResourceTypeContainer:          "container",
	ResourceTypeContentInstance:    "contentInstance",
	ResourceTypeCSEBase:            "CSEBase",
	ResourceTypeGroup:              "group",
	ResourceTypeMgmtObj:            "mgmtObj",
	ResourceTypeNode:               "node",
	ResourceTypePollingChannel:     "pollingChannel",
	ResourceTypeRemoteCSE:          "remoteCSE",
	ResourceTypeRequest:            "request",
	ResourceTypeSchedule:           "schedule",
	ResourceTypeSubscription:       "subscription",
	ResourceTypeFlexContainer:      "flexContainer",
	ResourceTypeTimeSeries:         "timeSeries",
	ResourceTypeTimeSeriesInstance: "timeSeriesInstance",
	ResourceTypeCrossResourceSub:   "crossResourceSubscription",
	ResourceTypeFlexContainerInst:  "flexContainerInstance",
	ResourceTypeTimeSyncBeacon:     "timeSyncBeacon",
	ResourceTypeAction:             "action",
	ResourceTypeDependency:         "dependency",
	ResourceTypeContainerLatest:    "latest",
	ResourceTypeContainerOldest:    "oldest",
	ResourceTypeGroupFanOutPoint:   "fanOutPoint",
	ResourceTypePollingChannelURI:  "pollingChannelURI",
	ResourceTypeTimeSeriesLatest:   "latest",
	ResourceTypeTimeSeriesOldest:   "oldest",
}

// String returns the long resource type name, or a numeric form for unknown
// and announced codes.
func (t ResourceType) String() string {
	if n, ok := resourceTypeNames[t]; ok {
		return n
	}
	if t.IsAnnounced() {
		if n, ok := resourceTypeNames[t.Original()]; ok {
			return n + "Annc"
		}
	}
	return "resourceType(" + strconv.Itoa(int(t)) + ")"
}

// Operation identifies a oneM2M request operation (m2m:operation).
type Operation int

// Request operations.
const (
	OperationCreate   Operation = 1
	OperationRetrieve Operation = 2
	OperationUpdate   Operation = 3
	OperationDelete   Operation = 4
	OperationNotify   Operation = 5
)

// String returns the operation name used in logs and recorded requests.
func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "CREATE"
	case OperationRetrieve:
		return "RETRIEVE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	case OperationNotify:
		return "NOTIFY"
	}
	return "operation(" + strconv.Itoa(int(o)) + ")"
}

// Valid reports whether o is one of the five CRUDN operations.
func (o Operation) Valid() bool {
	return o >= OperationCreate && o <= OperationNotify
}

// Permission is the accessControlOperations bitmask used in access control
// rules (m2m:accessControlOperations).
type Permission int

// Permission bits. A rule grants an operation when the corresponding bit is
// set in its acop value.
const (
	PermissionCreate   Permission = 1
	PermissionRetrieve Permission = 2
	PermissionUpdate   Permission = 4
	PermissionDelete   Permission = 8
	PermissionNotify   Permission = 16
	PermissionDiscover Permission = 32

	PermissionAll Permission = 63
)

// Has reports whether p contains all bits of q.
func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// PermissionFor maps an operation to the permission bit checked against
// access control rules.
func PermissionFor(op Operation) Permission {
	switch op {
	case OperationCreate:
		return PermissionCreate
	case OperationRetrieve:
		return PermissionRetrieve
	case OperationUpdate:
		return PermissionUpdate
	case OperationDelete:
		return PermissionDelete
	case OperationNotify:
		return PermissionNotify
	}
	return 0
}

// ResponseType selects how the receiver answers a request (m2m:responseType).
type ResponseType int

// Response type values.
const (
	ResponseTypeNonBlockingSynch  ResponseType = 1
	ResponseTypeNonBlockingAsynch ResponseType = 2
	ResponseTypeBlocking          ResponseType = 3
	ResponseTypeFlexBlocking      ResponseType = 4
	ResponseTypeNoResponse        ResponseType = 5
)

// ResultContent selects what the response content carries (m2m:resultContent).
type ResultContent int

// Result content values.
const (
	ResultContentNothing              ResultContent = 0
	ResultContentAttributes           ResultContent = 1
	ResultContentHierarchicalAddress  ResultContent = 2
	ResultContentAddressAndAttributes ResultContent = 3
	ResultContentAttributesAndChild   ResultContent = 4
	ResultContentAttributesAndRefs    ResultContent = 5
	ResultContentChildRefs            ResultContent = 6
	ResultContentOriginalResource     ResultContent = 7
	ResultContentChildResources       ResultContent = 8
	ResultContentModifiedAttributes   ResultContent = 9
	ResultContentSemanticContent      ResultContent = 10
	ResultContentDiscoveryRefs        ResultContent = 11
)

// FilterUsage selects between conditional retrieval and discovery
// (m2m:filterUsage).
type FilterUsage int

// Filter usage values.
const (
	FilterUsageDiscovery   FilterUsage = 1
	FilterUsageConditional FilterUsage = 2
)

// FilterOperation combines filter criteria conditions (m2m:filterOperation).
type FilterOperation int

// Filter operation values.
const (
	FilterOperationAND FilterOperation = 1
	FilterOperationOR  FilterOperation = 2
)

// DesiredIdentifierResultType selects identifier form in discovery results
// (m2m:desIdResType).
type DesiredIdentifierResultType int

// Desired identifier result types.
const (
	ResultTypeStructured   DesiredIdentifierResultType = 1
	ResultTypeUnstructured DesiredIdentifierResultType = 2
)

// NotificationEventType enumerates subscription event trigger conditions
// (m2m:notificationEventType).
type NotificationEventType int

// Notification event types.
const (
	EventResourceUpdate      NotificationEventType = 1
	EventResourceDelete      NotificationEventType = 2
	EventCreateDirectChild   NotificationEventType = 3
	EventDeleteDirectChild   NotificationEventType = 4
	EventRetrieveContainer   NotificationEventType = 5
	EventTriggerReceived     NotificationEventType = 6
	EventBlockingUpdate      NotificationEventType = 7
	EventMissingData         NotificationEventType = 8
	EventBlockingRetrieve    NotificationEventType = 9
	EventBlockingRetrieveDC  NotificationEventType = 10
)

// NotificationContentType selects the notification payload shape
// (m2m:notificationContentType).
type NotificationContentType int

// Notification content types.
const (
	ContentAllAttributes      NotificationContentType = 1
	ContentModifiedAttributes NotificationContentType = 2
	ContentResourceID         NotificationContentType = 3
	ContentTriggerPayload     NotificationContentType = 4
	ContentTimeSeriesNotify   NotificationContentType = 5
)

// ConsistencyStrategy controls how a group handles member type mismatches
// (m2m:consistencyStrategy).
type ConsistencyStrategy int

// Consistency strategy values.
const (
	ConsistencyAbandonMember ConsistencyStrategy = 1
	ConsistencyAbandonGroup  ConsistencyStrategy = 2
	ConsistencySetMixed      ConsistencyStrategy = 3
)

// EvalMode controls when an action's criteria are evaluated (m2m:evalMode).
type EvalMode int

// Eval mode values.
const (
	EvalModeOff        EvalMode = 0
	EvalModeOnce       EvalMode = 1
	EvalModePeriodic   EvalMode = 2
	EvalModeContinuous EvalMode = 3
)

// EvalCriteriaOperator compares a subject attribute against a threshold
// (m2m:evalCriteriaOperator).
type EvalCriteriaOperator int

// Eval criteria operators.
const (
	OperatorEqual          EvalCriteriaOperator = 1
	OperatorNotEqual       EvalCriteriaOperator = 2
	OperatorGreaterThan    EvalCriteriaOperator = 3
	OperatorLessThan       EvalCriteriaOperator = 4
	OperatorGreaterOrEqual EvalCriteriaOperator = 5
	OperatorLessOrEqual    EvalCriteriaOperator = 6
)

// TimeWindowType selects the cross-resource subscription window algorithm
// (m2m:timeWindowType).
type TimeWindowType int

// Time window types.
const (
	WindowPeriodic TimeWindowType = 1
	WindowSliding  TimeWindowType = 2
)

// EventEvaluationMode selects how events inside a CRS window are combined
// (m2m:eventEvaluationMode).
type EventEvaluationMode int

// Event evaluation modes.
const (
	EvaluationAllPresent EventEvaluationMode = 1
	EvaluationAnyPresent EventEvaluationMode = 2
)

// EventCat values used on requests and notifications (m2m:eventCat).
const (
	EventCatImmediate  = 2
	EventCatBestEffort = 3
	EventCatLatest     = 4
)

// RequestStatus tracks the lifecycle of a non-blocking <request> resource
// (m2m:requestStatus).
type RequestStatus int

// Request status values.
const (
	RequestStatusAccepted  RequestStatus = 1
	RequestStatusForwarded RequestStatus = 2
	RequestStatusCompleted RequestStatus = 3
	RequestStatusFailed    RequestStatus = 4
	RequestStatusPending   RequestStatus = 5
)

// String returns the request status name stored in <request> resources.
func (s RequestStatus) String() string {
	switch s {
	case RequestStatusAccepted:
		return "ACCEPTED"
	case RequestStatusForwarded:
		return "FORWARDED"
	case RequestStatusCompleted:
		return "COMPLETED"
	case RequestStatusFailed:
		return "FAILED"
	case RequestStatusPending:
		return "PENDING"
	}
	return "requestStatus(" + strconv.Itoa(int(s)) + ")"
}

// BeaconCriteria period bounds for <timeSyncBeacon> (milliseconds).
const (
	BeaconPeriodicIntervalMin = 1000
	BeaconPeriodicIntervalMax = 3600000
)
