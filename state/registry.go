// Package state keeps the in-memory mirror of node and topic registrations.
//
// The bridge only writes to it after the backend master has acknowledged a
// registration, so it is a cache of backend-confirmed state that lets discovery
// queries be answered without a backend round trip. The reference master uses the
// same type as its authoritative store.
//
// Concurrency: one sync.RWMutex. Every mutation runs entirely under the write lock
// and performs no I/O there; readers share the read lock and always see either the
// state before or after a mutation, never something in between.
package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// ErrTypeMismatch is returned when a registration names a different message type
// than the one recorded for the topic.
const ErrTypeMismatch = errors.ConstError("topic type mismatch")

// AnyType is the subscriber wildcard. It matches every type and never pins one.
const AnyType = "*"

type topic struct {
	name        string
	msgType     string   // "" until a concrete type is registered
	publishers  []string // node names in registration order
	subscribers []string
}

func (t *topic) empty() bool {
	return len(t.publishers) == 0 && len(t.subscribers) == 0
}

type node struct {
	name       string
	uri        string
	publishes  map[string]struct{}
	subscribes map[string]struct{}
}

func (n *node) idle() bool {
	return len(n.publishes) == 0 && len(n.subscribes) == 0
}

// Option configures a Registry.
type Option func(*Registry)

// WithEviction controls whether a topic is dropped, together with its recorded
// type, once its last publisher and subscriber are gone. Default true.
func WithEviction(evict bool) Option {
	return func(r *Registry) { r.evictEmpty = evict }
}

// WithObserver installs a callback that receives the topic count after every
// mutation. It runs under the write lock and must not call back into the Registry.
func WithObserver(fn func(topics int)) Option {
	return func(r *Registry) { r.observe = fn }
}

// Registry is the topic/node registry.
type Registry struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	nodes      map[string]*node
	evictEmpty bool
	observe    func(int)
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		topics:     make(map[string]*topic),
		nodes:      make(map[string]*node),
		evictEmpty: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type role int

const (
	publisher role = iota
	subscriber
)

func (r role) String() string {
	if r == publisher {
		return "publisher"
	}
	return "subscriber"
}

// RegisterPublisher records nodeName (reachable at uri) as a publisher of topicName.
// Registering twice is a no-op apart from refreshing the node URI.
func (r *Registry) RegisterPublisher(nodeName, topicName, msgType, uri string) error {
	_, err := r.register(publisher, nodeName, topicName, msgType, uri, false)
	return err
}

// RegisterSubscriber records nodeName as a subscriber of topicName.
func (r *Registry) RegisterSubscriber(nodeName, topicName, msgType, uri string) error {
	_, err := r.register(subscriber, nodeName, topicName, msgType, uri, false)
	return err
}

// ConfirmPublisher records a publisher that an authoritative master already
// accepted. A conflicting recorded type is replaced by msgType instead of
// failing; the replaced type is returned, or "" when nothing was replaced.
func (r *Registry) ConfirmPublisher(nodeName, topicName, msgType, uri string) (string, error) {
	return r.register(publisher, nodeName, topicName, msgType, uri, true)
}

// ConfirmSubscriber is the subscriber counterpart of ConfirmPublisher.
func (r *Registry) ConfirmSubscriber(nodeName, topicName, msgType, uri string) (string, error) {
	return r.register(subscriber, nodeName, topicName, msgType, uri, true)
}

// register records the registration. With repin a conflicting type is replaced
// and returned; without it the conflict is an ErrTypeMismatch.
func (r *Registry) register(role role, nodeName, topicName, msgType, uri string, repin bool) (string, error) {
	if nodeName == "" {
		return "", errors.NotValidf("empty node name")
	}
	if topicName == "" {
		return "", errors.NotValidf("empty topic name")
	}
	if msgType == "" {
		return "", errors.NotValidf("empty message type for topic %q", topicName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced string
	t := r.topics[topicName]
	if t != nil && msgType != AnyType && t.msgType != "" && t.msgType != msgType {
		if !repin {
			return "", fmt.Errorf("%w: topic %q has type %q, %s %q asked for %q",
				ErrTypeMismatch, topicName, t.msgType, role, nodeName, msgType)
		}
		replaced, t.msgType = t.msgType, msgType
	}
	if t == nil {
		t = &topic{name: topicName}
		r.topics[topicName] = t
	}
	if msgType != AnyType && t.msgType == "" {
		t.msgType = msgType
	}

	n := r.nodes[nodeName]
	if n == nil {
		n = &node{
			name:       nodeName,
			publishes:  make(map[string]struct{}),
			subscribes: make(map[string]struct{}),
		}
		r.nodes[nodeName] = n
	}
	n.uri = uri

	if role == publisher {
		t.publishers = appendUnique(t.publishers, nodeName)
		n.publishes[topicName] = struct{}{}
	} else {
		t.subscribers = appendUnique(t.subscribers, nodeName)
		n.subscribes[topicName] = struct{}{}
	}
	r.notify()
	return replaced, nil
}

// UnregisterPublisher removes nodeName as a publisher of topicName and returns the
// number of registrations removed. Nothing is removed when the node is unknown,
// not a publisher of the topic, or registered under a different URI.
func (r *Registry) UnregisterPublisher(nodeName, topicName, uri string) int {
	return r.unregister(publisher, nodeName, topicName, uri)
}

// UnregisterSubscriber is the subscriber counterpart of UnregisterPublisher.
func (r *Registry) UnregisterSubscriber(nodeName, topicName, uri string) int {
	return r.unregister(subscriber, nodeName, topicName, uri)
}

func (r *Registry) unregister(role role, nodeName, topicName, uri string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.nodes[nodeName]
	t := r.topics[topicName]
	if n == nil || t == nil || (uri != "" && n.uri != uri) {
		return 0
	}

	var removed bool
	if role == publisher {
		t.publishers, removed = remove(t.publishers, nodeName)
		delete(n.publishes, topicName)
	} else {
		t.subscribers, removed = remove(t.subscribers, nodeName)
		delete(n.subscribes, topicName)
	}
	if !removed {
		return 0
	}

	if n.idle() {
		delete(r.nodes, nodeName)
	}
	if r.evictEmpty && t.empty() {
		delete(r.topics, topicName)
	}
	r.notify()
	return 1
}

// Publishers returns the node names publishing topicName in registration order.
func (r *Registry) Publishers(topicName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.topics[topicName]; t != nil {
		return clone(t.publishers)
	}
	return []string{}
}

// Subscribers returns the node names subscribed to topicName in registration order.
func (r *Registry) Subscribers(topicName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.topics[topicName]; t != nil {
		return clone(t.subscribers)
	}
	return []string{}
}

// PublisherURIs returns the callback URIs of the publishers of topicName.
func (r *Registry) PublisherURIs(topicName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.topics[topicName]; t != nil {
		return r.uris(t.publishers)
	}
	return []string{}
}

// SubscriberURIs returns the callback URIs of the subscribers of topicName.
func (r *Registry) SubscriberURIs(topicName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.topics[topicName]; t != nil {
		return r.uris(t.subscribers)
	}
	return []string{}
}

func (r *Registry) uris(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if n := r.nodes[name]; n != nil {
			out = append(out, n.uri)
		}
	}
	return out
}

// LookupNode returns the callback URI of nodeName.
func (r *Registry) LookupNode(nodeName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := r.nodes[nodeName]; n != nil {
		return n.uri, true
	}
	return "", false
}

// TopicType returns the type recorded for topicName, "" when none is pinned yet.
func (r *Registry) TopicType(topicName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t := r.topics[topicName]; t != nil {
		return t.msgType, true
	}
	return "", false
}

// TopicInfo is a (name, type) pair.
type TopicInfo struct {
	Name string
	Type string
}

// PublishedTopics lists topics that have at least one publisher, sorted by name.
// A non-empty subgraph restricts the result to topics under that namespace.
func (r *Registry) PublishedTopics(subgraph string) []TopicInfo {
	prefix := subgraph
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TopicInfo, 0, len(r.topics))
	for _, t := range r.topics {
		if len(t.publishers) == 0 {
			continue
		}
		if prefix != "" && !strings.HasPrefix(t.name, prefix) {
			continue
		}
		out = append(out, TopicInfo{Name: t.name, Type: t.msgType})
	}
	sortTopics(out)
	return out
}

// TopicTypes lists every known topic with its type, sorted by name.
func (r *Registry) TopicTypes() []TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TopicInfo, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, TopicInfo{Name: t.name, Type: t.msgType})
	}
	sortTopics(out)
	return out
}

// TopicMembers is one topic with the node names registered on it.
type TopicMembers struct {
	Topic string
	Nodes []string
}

// SystemState is a consistent snapshot of all publications and subscriptions.
type SystemState struct {
	Publishers  []TopicMembers
	Subscribers []TopicMembers
}

// SystemState snapshots the registry under a single read lock.
func (r *Registry) SystemState() SystemState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)

	s := SystemState{Publishers: []TopicMembers{}, Subscribers: []TopicMembers{}}
	for _, name := range names {
		t := r.topics[name]
		if len(t.publishers) > 0 {
			s.Publishers = append(s.Publishers, TopicMembers{Topic: name, Nodes: clone(t.publishers)})
		}
		if len(t.subscribers) > 0 {
			s.Subscribers = append(s.Subscribers, TopicMembers{Topic: name, Nodes: clone(t.subscribers)})
		}
	}
	return s
}

// Len returns the number of known topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// Reset drops everything.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string]*topic)
	r.nodes = make(map[string]*node)
	r.notify()
}

func (r *Registry) notify() {
	if r.observe != nil {
		r.observe(len(r.topics))
	}
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}

func remove(list []string, name string) ([]string, bool) {
	for i, existing := range list {
		if existing == name {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

func clone(list []string) []string {
	out := make([]string, len(list))
	copy(out, list)
	return out
}

func sortTopics(list []TopicInfo) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}
