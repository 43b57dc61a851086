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
	"strings"
	"testing"
	"time"
)

func TestRoute_CompileSubstitutesParams(t *testing.T) {
	route := Route{Method: "GET", Path: "/channels/{channel}/messages/{message}"}
	compiled := route.Compile(map[string]string{
		"channel": "123456789012345678",
		"message": "876543210987654321",
	})

	if compiled.CompiledPath != "/channels/123456789012345678/messages/876543210987654321" {
		t.Errorf("CompiledPath = %q", compiled.CompiledPath)
	}
	if compiled.Route != route {
		t.Error("compiled route lost its template")
	}
	// Only the channel is a major parameter.
	if compiled.majorParamHash != "123456789012345678" {
		t.Errorf("majorParamHash = %q, want the channel id", compiled.majorParamHash)
	}
}

func TestRoute_CompileNoMajorParams(t *testing.T) {
	compiled := Route{Method: "GET", Path: "/gateway/bot"}.Compile(nil)
	if compiled.majorParamHash != "-" {
		t.Errorf("majorParamHash = %q, want %q for a route with no majors", compiled.majorParamHash, "-")
	}
}

func TestRoute_CompileMultipleMajors(t *testing.T) {
	compiled := Route{Method: "POST", Path: "/webhooks/{webhook}/{webhook_token}"}.Compile(map[string]string{
		"webhook":       "111111111111111111",
		"webhook_token": "tok",
	})
	if compiled.majorParamHash != "111111111111111111-tok" {
		t.Errorf("majorParamHash = %q", compiled.majorParamHash)
	}
}

func TestCreateRealBucketHash(t *testing.T) {
	compiled := Route{Method: "GET", Path: "/channels/{channel}"}.Compile(map[string]string{
		"channel": "123456789012345678",
	})

	got := compiled.createRealBucketHash("abc123", "authhash")
	if got != "abc123;authhash;123456789012345678" {
		t.Errorf("createRealBucketHash = %q", got)
	}

	unknown := createUnknownHash(compiled, "authhash")
	if unknown != "UNKNOWN;authhash;123456789012345678" {
		t.Errorf("createUnknownHash = %q", unknown)
	}
	if !strings.HasPrefix(unknown, UnknownHash) {
		t.Error("unknown hash must start with the sentinel")
	}
}

func TestCreateAuthenticationHash(t *testing.T) {
	const token = "Bot supersecrettokenvalue"

	first := createAuthenticationHash(token)
	second := createAuthenticationHash(token)
	if first != second {
		t.Error("fingerprint must be deterministic")
	}
	if first == createAuthenticationHash("Bot othertoken") {
		t.Error("different credentials produced the same fingerprint")
	}
	if strings.Contains(first, "supersecret") {
		t.Error("fingerprint leaks the raw credential")
	}
	if len(first) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(first))
	}
}

func TestCompileEndpoint_ChannelMessages(t *testing.T) {
	compiled := compileEndpoint("GET", "/channels/123456789012345678/messages/876543210987654321")

	if compiled.Route.Path != "/channels/{channel}/messages/{id}" {
		t.Errorf("template = %q", compiled.Route.Path)
	}
	if compiled.majorParamHash != "123456789012345678" {
		t.Errorf("majorParamHash = %q, want the channel id", compiled.majorParamHash)
	}
}

func TestCompileEndpoint_SameTemplateDifferentChannels(t *testing.T) {
	a := compileEndpoint("GET", "/channels/111111111111111111/messages")
	b := compileEndpoint("GET", "/channels/222222222222222222/messages")

	if a.Route != b.Route {
		t.Error("same shape must compile to the same template")
	}
	if a.majorParamHash == b.majorParamHash {
		t.Error("different channels must not share a major hash")
	}
}

func TestCompileEndpoint_ReactionsCollapse(t *testing.T) {
	compiled := compileEndpoint("PUT", "/channels/123456789012345678/messages/876543210987654321/reactions/%F0%9F%98%80/@me")

	if !strings.Contains(compiled.Route.Path, "/reactions/{emoji}") {
		t.Errorf("reactions not collapsed: %q", compiled.Route.Path)
	}
}

func TestCompileEndpoint_WebhookToken(t *testing.T) {
	compiled := compileEndpoint("POST", "/webhooks/123456789012345678/aWebhookTokenValue")

	if compiled.Route.Path != "/webhooks/{webhook}/{webhook_token}" {
		t.Errorf("template = %q", compiled.Route.Path)
	}
	if compiled.majorParamHash != "123456789012345678-aWebhookTokenValue" {
		t.Errorf("majorParamHash = %q, want the webhook id and token", compiled.majorParamHash)
	}
}

func TestCompileEndpoint_InteractionCallback(t *testing.T) {
	compiled := compileEndpoint("POST", "/interactions/123456789012345678/someinteractiontoken/callback")

	if compiled.Route.Path != "/interactions/{id}/{token}/callback" {
		t.Errorf("template = %q", compiled.Route.Path)
	}
	if compiled.majorParamHash != "-" {
		t.Errorf("majorParamHash = %q, interaction callbacks carry no major", compiled.majorParamHash)
	}
}

func TestCompileEndpoint_OldMessageDelete(t *testing.T) {
	channel := "123456789012345678"

	oldID := snowflakeAt(time.Now().Add(-15 * 24 * time.Hour))
	old := compileEndpoint("DELETE", "/channels/"+channel+"/messages/"+oldID.String())
	if !strings.HasSuffix(old.Route.Path, "/old") {
		t.Errorf("old message delete not split out: %q", old.Route.Path)
	}

	recentID := snowflakeAt(time.Now().Add(-time.Hour))
	recent := compileEndpoint("DELETE", "/channels/"+channel+"/messages/"+recentID.String())
	if strings.HasSuffix(recent.Route.Path, "/old") {
		t.Errorf("recent message delete split out: %q", recent.Route.Path)
	}

	if old.Route == recent.Route {
		t.Error("old and recent deletes must live in different buckets")
	}
}

// snowflakeAt builds a snowflake whose encoded timestamp is the given time.
func snowflakeAt(ts time.Time) Snowflake {
	return Snowflake(uint64(ts.UnixMilli()-discordEpoch) << 22)
}
