/************************************************************************************
 *
 * ratl (rest api throttling library), A Lightweight Go library for Discord rate limits
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package ratl

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

/***********************
 *       Routes        *
 ***********************/

// UnknownHash is the sentinel bucket hash for a route the API has never
// answered for. A bucket whose name starts with it is unresolved.
const UnknownHash = "UNKNOWN"

// majorParamNames are the path parameters the API treats as bucket
// discriminators: two requests that differ only in a non-major parameter
// share a bucket, two that differ in a major one never do.
var majorParamNames = map[string]struct{}{
	"channel":       {},
	"guild":         {},
	"webhook":       {},
	"webhook_token": {},
}

// Route is an HTTP method plus a path template with {param} placeholders.
// Equality is by these two fields only, which makes Route the key under
// which learned bucket hashes are remembered.
type Route struct {
	Method string
	Path   string
}

func (r Route) String() string {
	return r.Method + " " + r.Path
}

// CompiledRoute is a Route bound to concrete parameter values. Two compiled
// routes with the same template and the same major parameters are equivalent
// for bucketing even if their full paths differ.
type CompiledRoute struct {
	Route        Route
	CompiledPath string

	majorParamHash string
}

// Compile substitutes params into the route's {param} placeholders and
// collects the major parameters into the bucketing hash.
func (r Route) Compile(params map[string]string) CompiledRoute {
	var path strings.Builder
	var majors []string

	rest := r.Path
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			path.WriteString(rest)
			break
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			path.WriteString(rest)
			break
		}
		name := rest[open+1 : open+closing]
		value := params[name]
		path.WriteString(rest[:open])
		path.WriteString(value)
		if _, major := majorParamNames[name]; major {
			majors = append(majors, value)
		}
		rest = rest[open+closing+1:]
	}

	return CompiledRoute{
		Route:          r,
		CompiledPath:   path.String(),
		majorParamHash: joinMajorParams(majors),
	}
}

func joinMajorParams(majors []string) string {
	if len(majors) == 0 {
		return "-"
	}
	return strings.Join(majors, "-")
}

// createRealBucketHash builds the registry key for this compiled route under
// the given initial hash and authentication fingerprint.
func (c CompiledRoute) createRealBucketHash(initialHash, authHash string) string {
	return initialHash + ";" + authHash + ";" + c.majorParamHash
}

// createUnknownHash is the registry key used before the API has assigned
// this route a bucket hash.
func createUnknownHash(c CompiledRoute, authHash string) string {
	return c.createRealBucketHash(UnknownHash, authHash)
}

// createAuthenticationHash fingerprints a credential so the raw value never
// appears in registry keys or log fields.
func createAuthenticationHash(authentication string) string {
	sum := sha256.Sum256([]byte(authentication))
	return hex.EncodeToString(sum[:8])
}
