/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// ParseDurationMillis parses a duration string and returns its value in
// milliseconds. Unlike time.ParseDuration it accepts a bare integer (taken
// as seconds, matching the source tool's config convention) in addition to
// Go duration suffixes such as "250ms", "2s", "3m", "1h".
func ParseDurationMillis(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, trace.BadParameter("empty duration")
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * 1000, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, trace.BadParameter("invalid duration %q: %v", s, err)
	}
	return d.Milliseconds(), nil
}

// ParseDuration is a convenience wrapper around ParseDurationMillis that
// returns a time.Duration.
func ParseDuration(s string) (time.Duration, error) {
	ms, err := ParseDurationMillis(s)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
