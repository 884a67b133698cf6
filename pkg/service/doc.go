// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service implements request routing: matching a request to a
// service by Host and URL patterns, then picking one of the service's
// backends.
//
// Backend selection honours, in order, the backend affinity cookie, the
// session store, smooth weighted round robin over available backends and
// finally the emergency backend. Services are loaded from a YAML services
// file:
//
//	cache:
//	  max_size: 67108864
//	  default_ttl: 60s
//	services:
//	  - name: api
//	    host: "^api\\.example\\.com$"
//	    url: "^/v1/"
//	    session: {type: cookie, id: JSESSIONID, ttl: 300s}
//	    backend_cookie: {name: BACKEND}
//	    cache: true
//	    backends:
//	      - {address: 10.0.0.1, port: 8080, weight: 2}
//	      - {address: 10.0.0.2, port: 8080}
//	    emergency: {address: 10.0.0.9, port: 8080}
package service
