package xmlrpc

import (
	"encoding/base64"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"
)

// dateTime.iso8601 layouts seen in the wild; the first is the canonical one.
var dateTimeLayouts = []string{
	"20060102T15:04:05",
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
}

// DecodeCall parses a methodCall document.
// Malformed XML yields a CodeParseError fault; a well-formed document that is not a
// valid call yields CodeInvalidRequest.
func DecodeCall(r io.Reader) (*Call, error) {
	var doc xmlMethodCall
	if err := newDecoder(r).Decode(&doc); err != nil {
		return nil, parseFault(err)
	}
	if doc.MethodName == nil || strings.TrimSpace(*doc.MethodName) == "" {
		return nil, NewFault(CodeInvalidRequest, "methodCall without methodName")
	}
	params, err := decodeValues(doc.Params)
	if err != nil {
		return nil, err
	}
	return &Call{Method: strings.TrimSpace(*doc.MethodName), Params: params}, nil
}

// DecodeResponse parses a methodResponse document. A fault response is returned as
// Response.Fault, not as an error.
func DecodeResponse(r io.Reader) (*Response, error) {
	var doc xmlMethodResponse
	if err := newDecoder(r).Decode(&doc); err != nil {
		return nil, parseFault(err)
	}
	if doc.Fault != nil {
		v, err := decodeValue(doc.Fault)
		if err != nil {
			return nil, err
		}
		fault, err := faultFromValue(v)
		if err != nil {
			return nil, err
		}
		return &Response{Fault: fault}, nil
	}
	if len(doc.Params) != 1 {
		return nil, NewFault(CodeInvalidRequest, "methodResponse must carry exactly one param, got %d", len(doc.Params))
	}
	v, err := decodeValue(&doc.Params[0])
	if err != nil {
		return nil, err
	}
	return &Response{Value: v}, nil
}

func newDecoder(r io.Reader) *xml.Decoder {
	d := xml.NewDecoder(r)
	// Clients in the wild declare ISO-8859-1 now and then; pass bytes through as is.
	d.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return d
}

func parseFault(err error) *Fault {
	if err == io.EOF {
		return NewFault(CodeParseError, "empty document")
	}
	return NewFault(CodeParseError, "parse error: %v", err)
}

func faultFromValue(v any) (*Fault, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, NewFault(CodeInvalidRequest, "fault value is not a struct")
	}
	code, ok := m["faultCode"].(int)
	if !ok {
		return nil, NewFault(CodeInvalidRequest, "fault without integer faultCode")
	}
	str, _ := m["faultString"].(string)
	return &Fault{Code: code, String: str}, nil
}

func decodeValues(values []xmlValue) ([]any, error) {
	out := make([]any, len(values))
	for i := range values {
		v, err := decodeValue(&values[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeValue(v *xmlValue) (any, error) {
	if len(v.Unknown) > 0 {
		return nil, NewFault(CodeInvalidRequest, "unsupported value type <%s>", v.Unknown[0].XMLName.Local)
	}
	switch {
	case v.String != nil:
		return *v.String, nil
	case v.Int != nil:
		return parseInt("int", *v.Int)
	case v.I4 != nil:
		return parseInt("i4", *v.I4)
	case v.I8 != nil:
		return parseInt("i8", *v.I8)
	case v.Boolean != nil:
		switch strings.TrimSpace(*v.Boolean) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return nil, NewFault(CodeInvalidRequest, "invalid boolean %q", *v.Boolean)
	case v.Double != nil:
		f, err := strconv.ParseFloat(strings.TrimSpace(*v.Double), 64)
		if err != nil {
			return nil, NewFault(CodeInvalidRequest, "invalid double %q", *v.Double)
		}
		return f, nil
	case v.Base64 != nil:
		b, err := base64.StdEncoding.DecodeString(stripSpace(*v.Base64))
		if err != nil {
			return nil, NewFault(CodeInvalidRequest, "invalid base64: %v", err)
		}
		return b, nil
	case v.DateTime != nil:
		return parseDateTime(*v.DateTime)
	case v.Array != nil:
		return decodeValues(v.Array.Values)
	case v.Struct != nil:
		m := make(map[string]any, len(v.Struct.Members))
		for i := range v.Struct.Members {
			member := &v.Struct.Members[i]
			mv, err := decodeValue(&member.Value)
			if err != nil {
				return nil, err
			}
			m[member.Name] = mv
		}
		return m, nil
	case v.Nil != nil:
		return nil, nil
	}
	// No type element: bare text is a string.
	return v.Text, nil
}

func parseInt(kind, s string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, NewFault(CodeInvalidRequest, "invalid %s %q", kind, s)
	}
	return int(n), nil
}

func parseDateTime(s string) (any, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, NewFault(CodeInvalidRequest, "invalid dateTime.iso8601 %q", s)
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
