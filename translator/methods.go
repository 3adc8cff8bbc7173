package translator

// Route says where a method is answered.
type Route int

const (
	// RouteBackend methods are always forwarded to the backend master.
	RouteBackend Route = iota
	// RouteQuery methods are answered from the registry, or forwarded when the
	// bridge is configured to query the backend.
	RouteQuery
	// RouteLocal methods are answered by the bridge itself.
	RouteLocal
)

// ResultKind is the shape of the third element of a method's response triple.
type ResultKind int

const (
	ResultURIList     ResultKind = iota // []string of callback URIs
	ResultCount                         // int, registrations removed
	ResultURI                           // string
	ResultTopicPairs                    // [][]string of (topic, type)
	ResultSystemState                   // [publishers, subscribers, services]
)

// Method describes one master API method.
type Method struct {
	Name   string
	Params []Param
	Route  Route
	Result ResultKind
}

// Param is one positional string parameter.
type Param struct {
	Name       string
	AllowEmpty bool
}

// Method names of the master API.
const (
	RegisterPublisher    = "registerPublisher"
	RegisterSubscriber   = "registerSubscriber"
	UnregisterPublisher  = "unregisterPublisher"
	UnregisterSubscriber = "unregisterSubscriber"
	LookupNode           = "lookupNode"
	GetPublishedTopics   = "getPublishedTopics"
	GetTopicTypes        = "getTopicTypes"
	GetSystemState       = "getSystemState"
	GetURI               = "getUri"
)

var (
	callerID  = Param{Name: "caller_id"}
	topic     = Param{Name: "topic"}
	topicType = Param{Name: "topic_type"}
	callerAPI = Param{Name: "caller_api"}
)

var methods = []Method{
	{Name: RegisterPublisher, Params: []Param{callerID, topic, topicType, callerAPI}, Route: RouteBackend, Result: ResultURIList},
	{Name: RegisterSubscriber, Params: []Param{callerID, topic, topicType, callerAPI}, Route: RouteBackend, Result: ResultURIList},
	{Name: UnregisterPublisher, Params: []Param{callerID, topic, callerAPI}, Route: RouteBackend, Result: ResultCount},
	{Name: UnregisterSubscriber, Params: []Param{callerID, topic, callerAPI}, Route: RouteBackend, Result: ResultCount},
	{Name: LookupNode, Params: []Param{callerID, {Name: "node_name"}}, Route: RouteBackend, Result: ResultURI},
	{Name: GetPublishedTopics, Params: []Param{callerID, {Name: "subgraph", AllowEmpty: true}}, Route: RouteQuery, Result: ResultTopicPairs},
	{Name: GetTopicTypes, Params: []Param{callerID}, Route: RouteQuery, Result: ResultTopicPairs},
	{Name: GetSystemState, Params: []Param{callerID}, Route: RouteQuery, Result: ResultSystemState},
	{Name: GetURI, Params: []Param{callerID}, Route: RouteLocal, Result: ResultURI},
}

var methodIndex = func() map[string]Method {
	m := make(map[string]Method, len(methods))
	for _, method := range methods {
		m[method.Name] = method
	}
	return m
}()

// Methods returns every supported method in a stable order.
func Methods() []Method {
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

// Lookup finds a method by its XML-RPC name.
func Lookup(name string) (Method, bool) {
	m, ok := methodIndex[name]
	return m, ok
}
