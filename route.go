// Copyright 2024 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package tether

import (
	"fmt"
	"strings"
)

// majorParams are the path parameters Discord partitions rate limits by.
// All other parameters share a bucket across their values.
var majorParams = map[string]struct{}{
	"channel_id":    {},
	"guild_id":      {},
	"webhook_id":    {},
	"webhook_token": {},
}

// Route is one logical REST call: a method and a path template with its
// parameters resolved. It is immutable once constructed.
type Route struct {
	method   string
	template string // path template, e.g. "/channels/{channel_id}/messages/{message_id}"
	path     string // template with every parameter substituted
	key      string // template with only major parameters substituted, prefixed by method
}

// NewRoute resolves a path template against the given parameters.
// Parameters are formatted with %v; missing parameters are left in place,
// which keeps them visible in logs and error messages.
func NewRoute(method, template string, params map[string]any) Route {
	path := template
	key := template
	for name, value := range params {
		marker := "{" + name + "}"
		text := fmt.Sprint(value)
		path = strings.ReplaceAll(path, marker, text)
		if _, major := majorParams[name]; major {
			key = strings.ReplaceAll(key, marker, text)
		}
	}
	return Route{
		method:   method,
		template: template,
		path:     path,
		key:      method + "::" + key,
	}
}

// Method returns the HTTP method.
func (r Route) Method() string { return r.method }

// Path returns the fully resolved request path, relative to the API base.
func (r Route) Path() string { return r.path }

// Endpoint names the route for logs: the method plus the unresolved template.
func (r Route) Endpoint() string { return r.method + " " + r.template }

// BucketKey identifies the rate-limit partition this route belongs to before
// a bucket hash has been discovered. Two routes with equal keys may not be
// in flight concurrently once their shared bucket hash is known.
func (r Route) BucketKey() string { return r.key }

func (r Route) String() string { return r.Endpoint() }
