package onem2m

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ContentFormat identifies a supported primitive-content serialization.
type ContentFormat string

// Supported serializations.
const (
	FormatJSON ContentFormat = "json"
	FormatCBOR ContentFormat = "cbor"
	FormatXML  ContentFormat = "xml"
)

// MediaType returns the oneM2M resource media type for the format.
func (f ContentFormat) MediaType() string {
	switch f {
	case FormatCBOR:
		return "application/vnd.onem2m-res+cbor"
	case FormatXML:
		return "application/vnd.onem2m-res+xml"
	default:
		return "application/vnd.onem2m-res+json"
	}
}

// FormatFromMediaType resolves a Content-Type or Accept media type to a
// content format. Parameters such as ty= are ignored here.
func FormatFromMediaType(mediaType string) (ContentFormat, error) {
	if mediaType == "" {
		return FormatJSON, nil
	}
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return "", NewError(RSCUnsupportedMediaType, "unparsable media type "+mediaType)
	}
	switch mt {
	case "application/json", "application/vnd.onem2m-res+json",
		"application/vnd.onem2m-ntfy+json", "application/vnd.onem2m-prsp+json":
		return FormatJSON, nil
	case "application/cbor", "application/vnd.onem2m-res+cbor",
		"application/vnd.onem2m-ntfy+cbor", "application/vnd.onem2m-prsp+cbor":
		return FormatCBOR, nil
	case "application/xml", "application/vnd.onem2m-res+xml",
		"application/vnd.onem2m-ntfy+xml", "application/vnd.onem2m-prsp+xml":
		return FormatXML, nil
	}
	return "", NewError(RSCUnsupportedMediaType, "unsupported media type "+mt)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
}

// Marshal serializes attributes in the given format.
func Marshal(f ContentFormat, a Attributes) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(a)
	case FormatCBOR:
		return cborEnc.Marshal(map[string]any(a))
	case FormatXML:
		return marshalXML(a)
	}
	return nil, NewError(RSCUnsupportedMediaType, "unsupported content format "+string(f))
}

// Unmarshal parses primitive content in the given format.
func Unmarshal(f ContentFormat, data []byte) (Attributes, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch f {
	case FormatJSON:
		var a Attributes
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, ErrContentsUnacceptable("invalid JSON content: %v", err)
		}
		return a, nil
	case FormatCBOR:
		var m map[string]any
		if err := cborDec.Unmarshal(data, &m); err != nil {
			return nil, ErrContentsUnacceptable("invalid CBOR content: %v", err)
		}
		return normalizeDecoded(m), nil
	case FormatXML:
		a, err := unmarshalXML(data)
		if err != nil {
			return nil, ErrContentsUnacceptable("invalid XML content: %v", err)
		}
		return a, nil
	}
	return nil, NewError(RSCUnsupportedMediaType, "unsupported content format "+string(f))
}

// normalizeDecoded rewrites CBOR decoder output so nested maps always come
// out as map[string]any, matching the JSON decoder.
func normalizeDecoded(m map[string]any) Attributes {
	out := make(Attributes, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(normalizeDecoded(t))
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = normalizeValue(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalizeValue(e)
		}
		return t
	default:
		return v
	}
}

// xmlWrapper is the root element used when content has more than one
// top-level member and therefore no natural single root.
const xmlWrapper = "m2m:content"

func marshalXML(a Attributes) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if len(a) == 1 {
		for k, v := range a {
			if err := encodeXMLValue(&buf, k, v); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}
	buf.WriteString("<" + xmlWrapper + ">")
	for _, k := range a.Keys() {
		if err := encodeXMLValue(&buf, k, a[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteString("</" + xmlWrapper + ">")
	return buf.Bytes(), nil
}

func encodeXMLValue(buf *bytes.Buffer, name string, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("<" + name + "/>")
	case map[string]any:
		buf.WriteString("<" + name + ">")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := encodeXMLValue(buf, k, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("</" + name + ">")
	case Attributes:
		return encodeXMLValue(buf, name, map[string]any(t))
	case []any:
		for _, e := range t {
			if err := encodeXMLValue(buf, name, e); err != nil {
				return err
			}
		}
	case []string:
		for _, e := range t {
			if err := encodeXMLValue(buf, name, e); err != nil {
				return err
			}
		}
	default:
		buf.WriteString("<" + name + ">")
		if err := xml.EscapeText(buf, []byte(fmt.Sprint(t))); err != nil {
			return err
		}
		buf.WriteString("</" + name + ">")
	}
	return nil
}

var (
	xmlIntPattern   = regexp.MustCompile(`^-?\d+$`)
	xmlFloatPattern = regexp.MustCompile(`^-?\d+\.\d+$`)
)

func unmarshalXML(data []byte) (Attributes, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		name := xmlName(start.Name)
		value, err := decodeXMLElement(dec, &start)
		if err != nil {
			return nil, err
		}
		if name == xmlWrapper {
			if m, ok := value.(map[string]any); ok {
				return Attributes(m), nil
			}
			return nil, fmt.Errorf("wrapper element %s has no members", xmlWrapper)
		}
		return Attributes{name: value}, nil
	}
}

// decodeXMLElement consumes one element and returns a scalar for leaf
// elements or a map for elements with children. Repeated child names
// collapse into lists.
func decodeXMLElement(dec *xml.Decoder, start *xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder
	hasChildren := false
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("unexpected end of XML inside %s", xmlName(start.Name))
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			hasChildren = true
			name := xmlName(t.Name)
			child, err := decodeXMLElement(dec, &t)
			if err != nil {
				return nil, err
			}
			if existing, ok := children[name]; ok {
				if list, ok := existing.([]any); ok {
					children[name] = append(list, child)
				} else {
					children[name] = []any{existing, child}
				}
			} else {
				children[name] = child
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if hasChildren {
				return children, nil
			}
			return xmlScalar(strings.TrimSpace(text.String())), nil
		}
	}
}

func xmlName(n xml.Name) string {
	if n.Space != "" && !strings.HasPrefix(n.Local, "m2m:") {
		// Decoder splits prefixed names; reassemble the oneM2M namespace.
		if n.Space == "m2m" || strings.Contains(n.Space, "onem2m") {
			return "m2m:" + n.Local
		}
	}
	return n.Local
}

func xmlScalar(s string) any {
	switch {
	case s == "":
		return nil
	case s == "true":
		return true
	case s == "false":
		return false
	case xmlIntPattern.MatchString(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return float64(n)
		}
	case xmlFloatPattern.MatchString(s):
		f, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return f
		}
	}
	return s
}
