package xmlrpc

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

const header = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// EncodeCall writes a methodCall document.
func EncodeCall(w io.Writer, call *Call) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(header)
	bw.WriteString("<methodCall><methodName>")
	if err := xml.EscapeText(bw, []byte(call.Method)); err != nil {
		return err
	}
	bw.WriteString("</methodName><params>")
	for i, p := range call.Params {
		bw.WriteString("<param>")
		if err := writeValue(bw, p); err != nil {
			return fmt.Errorf("param %d: %w", i, err)
		}
		bw.WriteString("</param>")
	}
	bw.WriteString("</params></methodCall>\n")
	return bw.Flush()
}

// EncodeResponse writes a methodResponse document carrying value, or the fault
// envelope when resp.Fault is set.
func EncodeResponse(w io.Writer, resp *Response) error {
	if resp.Fault != nil {
		return EncodeFault(w, resp.Fault)
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(header)
	bw.WriteString("<methodResponse><params><param>")
	if err := writeValue(bw, resp.Value); err != nil {
		return err
	}
	bw.WriteString("</param></params></methodResponse>\n")
	return bw.Flush()
}

// EncodeFault writes the fault envelope: a struct with faultCode and faultString.
func EncodeFault(w io.Writer, f *Fault) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(header)
	bw.WriteString("<methodResponse><fault><value><struct>")
	bw.WriteString("<member><name>faultCode</name><value><int>")
	bw.WriteString(strconv.Itoa(f.Code))
	bw.WriteString("</int></value></member>")
	bw.WriteString("<member><name>faultString</name><value><string>")
	if err := xml.EscapeText(bw, []byte(f.String)); err != nil {
		return err
	}
	bw.WriteString("</string></value></member>")
	bw.WriteString("</struct></value></fault></methodResponse>\n")
	return bw.Flush()
}

func writeValue(w *bufio.Writer, v any) error {
	w.WriteString("<value>")
	if err := writeTyped(w, reflect.ValueOf(v)); err != nil {
		return err
	}
	w.WriteString("</value>")
	return nil
}

func writeTyped(w *bufio.Writer, v reflect.Value) error {
	if !v.IsValid() {
		w.WriteString("<nil/>")
		return nil
	}
	if v.Type() == timeType {
		w.WriteString("<dateTime.iso8601>")
		w.WriteString(v.Interface().(time.Time).Format(dateTimeLayouts[0]))
		w.WriteString("</dateTime.iso8601>")
		return nil
	}
	if v.Type() == bytesType {
		w.WriteString("<base64>")
		w.WriteString(base64.StdEncoding.EncodeToString(v.Bytes()))
		w.WriteString("</base64>")
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			w.WriteString("<nil/>")
			return nil
		}
		return writeTyped(w, v.Elem())
	case reflect.String:
		w.WriteString("<string>")
		if err := xml.EscapeText(w, []byte(v.String())); err != nil {
			return err
		}
		w.WriteString("</string>")
	case reflect.Bool:
		if v.Bool() {
			w.WriteString("<boolean>1</boolean>")
		} else {
			w.WriteString("<boolean>0</boolean>")
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeInt(w, v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > math.MaxInt64 {
			return fmt.Errorf("unsigned value %d out of range", u)
		}
		writeInt(w, int64(u))
	case reflect.Float32, reflect.Float64:
		w.WriteString("<double>")
		w.WriteString(strconv.FormatFloat(v.Float(), 'f', -1, 64))
		w.WriteString("</double>")
	case reflect.Slice, reflect.Array:
		w.WriteString("<array><data>")
		for i := 0; i < v.Len(); i++ {
			w.WriteString("<value>")
			if err := writeTyped(w, v.Index(i)); err != nil {
				return err
			}
			w.WriteString("</value>")
		}
		w.WriteString("</data></array>")
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %s", v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		w.WriteString("<struct>")
		for _, k := range keys {
			w.WriteString("<member><name>")
			if err := xml.EscapeText(w, []byte(k)); err != nil {
				return err
			}
			w.WriteString("</name><value>")
			if err := writeTyped(w, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
			w.WriteString("</value></member>")
		}
		w.WriteString("</struct>")
	default:
		return fmt.Errorf("unsupported type %s", v.Type())
	}
	return nil
}

// Values outside the 32-bit range use the i8 extension.
func writeInt(w *bufio.Writer, n int64) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		w.WriteString("<i8>")
		w.WriteString(strconv.FormatInt(n, 10))
		w.WriteString("</i8>")
		return
	}
	w.WriteString("<int>")
	w.WriteString(strconv.FormatInt(n, 10))
	w.WriteString("</int>")
}
