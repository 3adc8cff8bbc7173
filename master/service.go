package master

import (
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/juju/errors"

	"protocol-bridge/message"
)

type methodType struct {
	method reflect.Method
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	paramsType = reflect.TypeOf([]any(nil))
	anyType    = reflect.TypeOf((*any)(nil)).Elem()
)

// newService wraps rcvr as a backend class. name overrides the struct's type name,
// which lets a class carry a dotted package prefix.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.NotValidf("receiver %T (must be a pointer)", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %T (must point to a struct)", rcvr)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, errors.NotValidf("receiver %T (no remote methods)", rcvr)
	}
	return svc, nil
}

// registerMethods picks up exported methods shaped func(params []any) (any, error).
// On the wire they are addressed with a lower-case first letter, so RegisterPublisher
// answers "registerPublisher".
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 2 || mt.In(1) != paramsType ||
			mt.NumOut() != 2 || mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		s.method[wireName(method.Name)] = &methodType{method: method}
	}
}

func wireName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToLower(r)) + name[size:]
}

func (s *service) call(methodName string, params []any) (any, error) {
	mt, ok := s.method[methodName]
	if !ok {
		return nil, &message.RemoteError{
			Class:   message.ClassNoSuchMethod,
			Message: s.name + "." + methodName,
		}
	}
	results := mt.method.Func.Call([]reflect.Value{s.rcvr, reflect.ValueOf(params)})
	if err, _ := results[1].Interface().(error); err != nil {
		return nil, err
	}
	return results[0].Interface(), nil
}
