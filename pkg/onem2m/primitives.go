package onem2m

import (
	"fmt"
	"time"
)

// Request is the protocol-independent request primitive handed to the
// dispatcher. Bindings map their transport onto this struct; internal
// callers (notifier, groups, announcer, scheduler) construct it directly.
type Request struct {
	// Operation is the CRUDN operation (op).
	Operation Operation `json:"op"`

	// Target is the addressed resource (to). May be CSE-relative,
	// SP-relative or absolute, structured or unstructured, and may carry
	// a virtual resource suffix such as /la or /fopt.
	Target string `json:"to"`

	// Originator is the request originator (fr): an AE-ID, CSE-ID or the
	// special registration originators "C", "S" or the empty string.
	Originator string `json:"fr"`

	// RequestID is the originator-assigned request identifier (rqi).
	RequestID string `json:"rqi"`

	// ReleaseVersion is the protocol release indicator (rvi).
	ReleaseVersion string `json:"rvi,omitempty"`

	// ResourceType is the type of the resource to create (ty); only
	// meaningful for Create.
	ResourceType ResourceType `json:"ty,omitempty"`

	// Content is the primitive content (pc) carrying resource attributes
	// for Create/Update and the notification body for Notify.
	Content Attributes `json:"pc,omitempty"`

	// ResultContent selects the response content shape (rcn).
	ResultContent *ResultContent `json:"rcn,omitempty"`

	// ResponseType selects blocking or non-blocking handling (rt/rtv).
	ResponseType ResponseType `json:"rt,omitempty"`

	// NotificationURIs receives the result for non-blocking asynch
	// requests (rt/nu).
	NotificationURIs []string `json:"nu,omitempty"`

	// RequestExpiration (rqet) and ResultExpiration (rset) are oneM2M
	// absolute or relative timestamps; OperationExecutionTime (oet) delays
	// execution.
	RequestExpiration string `json:"rqet,omitempty"`
	ResultExpiration  string `json:"rset,omitempty"`
	OperationExecTime string `json:"oet,omitempty"`

	// MaxAge (ma) bounds how stale a retrieve result may be. A blocking
	// retrieve subscription on the target turns a read outside the bound
	// into a refresh handshake first.
	MaxAge string `json:"ma,omitempty"`

	// FilterCriteria carries discovery and conditional retrieve filters (fc).
	FilterCriteria *FilterCriteria `json:"fc,omitempty"`

	// DesiredIdentifierResultType selects structured or unstructured
	// identifiers in discovery results (drt).
	DesiredIdentifierResultType DesiredIdentifierResultType `json:"drt,omitempty"`

	// EventCategory tags the request for delivery handling (ec).
	EventCategory int `json:"ec,omitempty"`

	// Arrived is the local receive time, set by the binding or dispatcher.
	Arrived time.Time `json:"-"`

	// Internal marks requests issued by the CSE itself. Internal requests
	// bypass access control and are not recorded.
	Internal bool `json:"-"`
}

// ResultContentOrDefault returns the requested result content, or the
// operation default when the request leaves it unset: modifiedAttributes is
// never a default, Delete defaults to nothing, everything else to attributes.
func (r *Request) ResultContentOrDefault() ResultContent {
	if r.ResultContent != nil {
		return *r.ResultContent
	}
	if r.Operation == OperationDelete {
		return ResultContentNothing
	}
	return ResultContentAttributes
}

// IsDiscovery reports whether the request is a discovery retrieve.
func (r *Request) IsDiscovery() bool {
	return r.Operation == OperationRetrieve &&
		r.FilterCriteria != nil &&
		r.FilterCriteria.FilterUsage == FilterUsageDiscovery
}

// Validate checks the structural invariants every request must satisfy
// before the dispatcher touches the resource tree.
func (r *Request) Validate() error {
	if !r.Operation.Valid() {
		return ErrBadRequest("invalid operation %d", r.Operation)
	}
	if r.RequestID == "" {
		return ErrBadRequest("request identifier (rqi) is missing")
	}
	if r.Target == "" {
		return ErrBadRequest("target (to) is missing")
	}
	if r.Operation == OperationCreate {
		if r.ResourceType == 0 {
			return ErrBadRequest("resource type (ty) is missing for create")
		}
		if r.Content == nil {
			return ErrInvalidArguments("content (pc) is missing for create")
		}
	}
	if r.Operation == OperationUpdate && r.Content == nil {
		return ErrInvalidArguments("content (pc) is missing for update")
	}
	if rc := r.ResultContent; rc != nil {
		if err := validResultContent(r.Operation, *rc); err != nil {
			return err
		}
	}
	return nil
}

func validResultContent(op Operation, rc ResultContent) error {
	if rc == ResultContentSemanticContent {
		return ErrNotImplemented("semantic content result")
	}
	valid := map[Operation][]ResultContent{
		OperationCreate:   {ResultContentNothing, ResultContentAttributes, ResultContentHierarchicalAddress, ResultContentAddressAndAttributes, ResultContentModifiedAttributes},
		OperationRetrieve: {ResultContentAttributes, ResultContentAttributesAndChild, ResultContentAttributesAndRefs, ResultContentChildRefs, ResultContentOriginalResource, ResultContentChildResources, ResultContentDiscoveryRefs},
		OperationUpdate:   {ResultContentNothing, ResultContentAttributes, ResultContentModifiedAttributes},
		OperationDelete:   {ResultContentNothing, ResultContentAttributes, ResultContentAttributesAndChild, ResultContentChildRefs, ResultContentChildResources},
		OperationNotify:   {ResultContentNothing, ResultContentAttributes},
	}
	for _, v := range valid[op] {
		if v == rc {
			return nil
		}
	}
	return ErrBadRequest("result content %d is not valid for %s", rc, op)
}

// Response is the protocol-independent response primitive.
type Response struct {
	// RSC is the response status code (rsc).
	RSC RSC `json:"rsc"`

	// RequestID echoes the request identifier (rqi).
	RequestID string `json:"rqi"`

	// Content is the response content (pc): the resource representation,
	// aggregated results, discovery references or m2m:dbg on failure.
	Content Attributes `json:"pc,omitempty"`

	// ReleaseVersion echoes the negotiated release (rvi).
	ReleaseVersion string `json:"rvi,omitempty"`

	// From identifies the responding CSE (fr).
	From string `json:"fr,omitempty"`

	// To addresses the original originator (to).
	To string `json:"to,omitempty"`
}

// IsSuccess reports whether the response signals success.
func (r *Response) IsSuccess() bool {
	return r.RSC.IsSuccess()
}

// ErrorResponse builds the failure response for a request: the status code
// comes from the error classification and the debug text becomes m2m:dbg.
func ErrorResponse(req *Request, err error) *Response {
	rsc := RSCOf(err)
	msg := "internal error"
	if e, ok := AsError(err); ok {
		msg = e.Message
		if e.Attribute != "" {
			msg = fmt.Sprintf("%s: %s", e.Attribute, msg)
		}
	}
	rsp := &Response{RSC: rsc, Content: Attributes{"m2m:dbg": msg}}
	if req != nil {
		rsp.RequestID = req.RequestID
		rsp.ReleaseVersion = req.ReleaseVersion
	}
	return rsp
}

// SuccessResponse builds a success response with the operation's default
// status code.
func SuccessResponse(req *Request, content Attributes) *Response {
	return &Response{
		RSC:            SuccessRSC(req.Operation),
		RequestID:      req.RequestID,
		ReleaseVersion: req.ReleaseVersion,
		Content:        content,
	}
}

// AttributeMatch is a single attribute/value condition in filter criteria.
type AttributeMatch struct {
	Name  string `json:"nm"`
	Value any    `json:"val"`
}

// GeoQuery is the geo-spatial part of filter criteria: a GeoJSON-style
// geometry compared against resource locations with a spatial function.
type GeoQuery struct {
	// GeometryType: 1 Point, 2 LineString, 3 Polygon, 4 MultiPoint,
	// 5 MultiLineString, 6 MultiPolygon (m2m:geometryType).
	GeometryType int `json:"gmty"`

	// Geometry is the JSON coordinate array, e.g. "[4.35,50.85]".
	Geometry string `json:"geom"`

	// SpatialFunction: 1 Within, 2 Contains, 3 Intersects (m2m:geoSpatialFunction).
	SpatialFunction int `json:"gsf"`
}

// FilterCriteria is the fc parameter of retrieve and discovery requests.
// Zero values and nil pointers mean "condition absent".
type FilterCriteria struct {
	CreatedBefore   string `json:"crb,omitempty"`
	CreatedAfter    string `json:"cra,omitempty"`
	ModifiedSince   string `json:"ms,omitempty"`
	UnmodifiedSince string `json:"us,omitempty"`
	ExpireBefore    string `json:"exb,omitempty"`
	ExpireAfter     string `json:"exa,omitempty"`

	StateTagSmaller *int `json:"sts,omitempty"`
	StateTagBigger  *int `json:"stb,omitempty"`

	SizeAbove *int `json:"sza,omitempty"`
	SizeBelow *int `json:"szb,omitempty"`

	Labels        []string       `json:"lbl,omitempty"`
	ResourceTypes []ResourceType `json:"ty,omitempty"`
	ChildTypes    []ResourceType `json:"chty,omitempty"`
	ParentTypes   []ResourceType `json:"pty,omitempty"`
	ContentTypes  []string       `json:"cty,omitempty"`

	Attributes []AttributeMatch `json:"atr,omitempty"`

	Geo *GeoQuery `json:"gq,omitempty"`

	FilterUsage     FilterUsage     `json:"fu,omitempty"`
	FilterOperation FilterOperation `json:"fo,omitempty"`

	Limit             *int   `json:"lim,omitempty"`
	Level             *int   `json:"lvl,omitempty"`
	Offset            *int   `json:"ofst,omitempty"`
	ApplyRelativePath string `json:"arp,omitempty"`
}

// Operation returns the effective filter operation, defaulting to AND.
func (fc *FilterCriteria) Operation() FilterOperation {
	if fc == nil || fc.FilterOperation == 0 {
		return FilterOperationAND
	}
	return fc.FilterOperation
}
