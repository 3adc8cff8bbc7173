// Package client calls XML-RPC methods over HTTP, either at a fixed URI or at a
// bridge discovered through the registry.
package client

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/juju/errors"

	"protocol-bridge/loadbalance"
	"protocol-bridge/registry"
	"protocol-bridge/xmlrpc"
)

type Client struct {
	uri        string
	registry   registry.Registry // used when uri is empty
	balancer   loadbalance.Balancer
	service    string
	httpClient *http.Client
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient talks to the server at uri, e.g. "http://localhost:11311/".
func NewClient(uri string, opts ...Option) *Client {
	c := &Client{uri: uri, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewDiscoveryClient picks a server among the instances of service on every call.
func NewDiscoveryClient(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) *Client {
	c := NewClient("", opts...)
	c.registry, c.balancer, c.service = reg, bal, service
	return c
}

func (c *Client) target(ctx context.Context) (string, error) {
	if c.uri != "" {
		return c.uri, nil
	}
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", errors.Trace(err)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", errors.Annotatef(err, "picking %s", c.service)
	}
	return inst.Addr, nil
}

// Call invokes method and returns the decoded value. A fault comes back as
// *xmlrpc.Fault.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	uri, err := c.target(ctx)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := xmlrpc.EncodeCall(&body, &xmlrpc.Call{Method: method, Params: params}); err != nil {
		return nil, errors.Annotatef(err, "encoding %s", method)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, &body)
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "calling %s on %s", method, uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("calling %s on %s: http status %s", method, uri, resp.Status)
	}

	decoded, err := xmlrpc.DecodeResponse(resp.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding %s response", method)
	}
	if decoded.Fault != nil {
		return nil, decoded.Fault
	}
	return decoded.Value, nil
}

// Status unpacks a master API triple [code, message, value].
func Status(v any) (code int, msg string, value any, err error) {
	triple, ok := v.([]any)
	if !ok || len(triple) != 3 {
		return 0, "", nil, errors.NotValidf("status triple %v", v)
	}
	if code, ok = triple[0].(int); !ok {
		return 0, "", nil, errors.NotValidf("status code %v", triple[0])
	}
	if msg, ok = triple[1].(string); !ok {
		return 0, "", nil, errors.NotValidf("status message %v", triple[1])
	}
	return code, msg, triple[2], nil
}

// Strings converts a decoded XML-RPC array of strings.
func Strings(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, errors.NotValidf("string list %v", v)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, errors.NotValidf("string list item %v", item)
		}
		out = append(out, s)
	}
	return out, nil
}
