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
	"testing"
	"time"
)

func TestSnowflake_Timestamp(t *testing.T) {
	// The documented example snowflake from the API reference.
	s := Snowflake(175928847299117063)

	want := time.UnixMilli(1462015105796)
	if got := s.Timestamp(); !got.Equal(want) {
		t.Errorf("Timestamp() = %v, want %v", got, want)
	}
}

func TestSnowflake_String(t *testing.T) {
	s := Snowflake(175928847299117063)
	if s.String() != "175928847299117063" {
		t.Errorf("String() = %q", s.String())
	}
}
