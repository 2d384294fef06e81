package registry

import (
	"github.com/auriga-m2m/auriga/pkg/onem2m"
)

// DataType enumerates the attribute data types the policy files may declare.
type DataType string

// Attribute data types.
const (
	TypePositiveInteger DataType = "positiveInteger"
	TypeNonNegInteger   DataType = "nonNegInteger"
	TypeUnsignedLong    DataType = "unsignedLong"
	TypeInteger         DataType = "integer"
	TypeFloat           DataType = "float"
	TypeBoolean         DataType = "boolean"
	TypeString          DataType = "string"
	TypeURI             DataType = "anyURI"
	TypeTimestamp       DataType = "timestamp"
	TypeAbsRelTimestamp DataType = "absRelTimestamp"
	TypeDuration        DataType = "duration"
	TypeBase64          DataType = "base64"
	TypeGeoCoordinates  DataType = "geoCoordinates"
	TypeEnum            DataType = "enum"
	TypeSchedule        DataType = "schedule"
	TypeList            DataType = "list"
	TypeListNE          DataType = "listNE"
	TypeDict            DataType = "dict"
	TypeComplex         DataType = "complex"
	TypeAny             DataType = "any"
)

// Optionality states whether an attribute may, must or must not appear in a
// request for a given operation.
type Optionality string

// Optionality values.
const (
	Optional   Optionality = "O"
	Mandatory  Optionality = "M"
	NotPresent Optionality = "NP"
)

// Announcement is the announce-disposition of an attribute.
type Announcement string

// Announcement dispositions.
const (
	AnnounceNA Announcement = "NA" // never announced
	AnnounceOA Announcement = "OA" // announced when listed in aa
	AnnounceMA Announcement = "MA" // always announced
)

// Cardinality values. Lists carry an L suffix; a leading 0 marks the
// attribute optional in the resource representation.
const (
	Card1   = "1"
	Card01  = "01"
	Card1L  = "1L"
	Card01L = "01L"
)

// AttributePolicy is the declarative validation rule for one attribute of
// one resource or complex type.
type AttributePolicy struct {
	// ShortName is the wire name, e.g. "mni".
	ShortName string `json:"sn"`

	// LongName is the descriptive name, e.g. "maxNrOfInstances".
	LongName string `json:"ln"`

	// Namespace is the XSD namespace prefix, almost always "m2m".
	Namespace string `json:"ns"`

	// Type is the attribute data type.
	Type DataType `json:"type"`

	// Cardinality is one of 1, 01, 1L, 01L.
	Cardinality string `json:"card"`

	// Create, Update and Discovery state the optionality per operation.
	Create    Optionality `json:"oc"`
	Update    Optionality `json:"ou"`
	Discovery Optionality `json:"od"`

	// Announced is the announce-disposition.
	Announced Announcement `json:"annc"`

	// ListType is the element type for list attributes.
	ListType DataType `json:"ltype,omitempty"`

	// EnumType names the enum value table for enum attributes and enum
	// list elements.
	EnumType string `json:"etype,omitempty"`

	// ComplexType names the attribute table that validates children of a
	// complex attribute or complex list elements.
	ComplexType string `json:"ctype,omitempty"`
}

// IsList reports whether the attribute is list-valued.
func (p *AttributePolicy) IsList() bool {
	return p.Type == TypeList || p.Type == TypeListNE ||
		p.Cardinality == Card1L || p.Cardinality == Card01L
}

// MandatoryInRepresentation reports whether a stored resource must carry the
// attribute (cardinality 1 or 1L).
func (p *AttributePolicy) MandatoryInRepresentation() bool {
	return p.Cardinality == Card1 || p.Cardinality == Card1L
}

// TypePolicy is the full attribute table of one resource type.
type TypePolicy struct {
	// Type is the numeric resource type code.
	Type onem2m.ResourceType

	// ShortName is the type's short name, e.g. "cnt".
	ShortName string

	// LongName is the type's long name, e.g. "container".
	LongName string

	// Attributes maps attribute short names to their policies. Universal
	// and common attributes are already merged in.
	Attributes map[string]*AttributePolicy

	// Children lists the resource types allowed as direct children.
	Children []onem2m.ResourceType

	// Creatable, Updatable and Deletable state which operations originators
	// may request on instances of this type. CSEBase is none of the three,
	// instance resources are not updatable.
	Creatable bool
	Updatable bool
	Deletable bool
}

// Announceable reports whether instances of this type can be announced,
// which is the case exactly when the type carries an announceTo attribute.
func (t *TypePolicy) Announceable() bool {
	_, ok := t.Attributes["at"]
	return ok
}

// AllowsChild reports whether instances of child may be created under this
// type.
func (t *TypePolicy) AllowsChild(child onem2m.ResourceType) bool {
	for _, c := range t.Children {
		if c == child {
			return true
		}
	}
	return false
}

// Attribute returns the policy for the attribute short name.
func (t *TypePolicy) Attribute(sn string) (*AttributePolicy, bool) {
	p, ok := t.Attributes[sn]
	return p, ok
}

// Specialization is a registered flexContainer specialization.
type Specialization struct {
	// TPE is the namespaced type, e.g. "cod:color".
	TPE string `json:"tpe"`

	// ContainerDefinition is the unique cnd value.
	ContainerDefinition string `json:"cnd"`

	// LongName is the descriptive name.
	LongName string `json:"ln"`

	// Attributes are the specialization-specific attribute policies,
	// validated in addition to the generic flexContainer table.
	Attributes map[string]*AttributePolicy `json:"-"`
}
