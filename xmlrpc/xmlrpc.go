// Package xmlrpc encodes and decodes XML-RPC documents.
//
// Values decode into Go as: string, int, bool, float64, []byte (base64),
// time.Time (dateTime.iso8601), []any (array), map[string]any (struct) and nil.
// Encoding accepts those plus any integer/float kind, typed slices and
// string-keyed maps, resolved by reflection.
package xmlrpc

import (
	"encoding/xml"
	"fmt"
)

// Standard fault codes from the XML-RPC interoperability table.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32500
	CodeTransport      = -32300
)

// Fault is the XML-RPC fault envelope. It doubles as an error so handlers can
// return one directly.
type Fault struct {
	Code   int
	String string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("xmlrpc fault %d: %s", f.Code, f.String)
}

// NewFault builds a fault from a format string.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, String: fmt.Sprintf(format, args...)}
}

// Call is a decoded methodCall.
type Call struct {
	Method string
	Params []any
}

// Response is a decoded methodResponse: exactly one of Value and Fault is meaningful.
type Response struct {
	Value any
	Fault *Fault
}

// Wire shapes for encoding/xml. Typed children are pointers so an empty element,
// e.g. <string/>, is distinguishable from an absent one.
type xmlValue struct {
	String   *string     `xml:"string"`
	Int      *string     `xml:"int"`
	I4       *string     `xml:"i4"`
	I8       *string     `xml:"i8"`
	Boolean  *string     `xml:"boolean"`
	Double   *string     `xml:"double"`
	Base64   *string     `xml:"base64"`
	DateTime *string     `xml:"dateTime.iso8601"`
	Array    *xmlArray   `xml:"array"`
	Struct   *xmlStruct  `xml:"struct"`
	Nil      *struct{}   `xml:"nil"`
	Text     string      `xml:",chardata"`
	Unknown  []xmlAnyTag `xml:",any"`
}

type xmlArray struct {
	Values []xmlValue `xml:"data>value"`
}

type xmlStruct struct {
	Members []xmlMember `xml:"member"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlAnyTag struct {
	XMLName xml.Name
}

type xmlMethodCall struct {
	XMLName    xml.Name   `xml:"methodCall"`
	MethodName *string    `xml:"methodName"`
	Params     []xmlValue `xml:"params>param>value"`
}

type xmlMethodResponse struct {
	XMLName xml.Name   `xml:"methodResponse"`
	Params  []xmlValue `xml:"params>param>value"`
	Fault   *xmlValue  `xml:"fault>value"`
}
