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
	"net/http"
	"strings"

	"github.com/gravitational/trace"
)

// NormalizeURL adds a scheme if one is missing and strips trailing
// slashes, so that callers comparing or concatenating URLs (e.g. the
// master bus server address) don't have to special-case either.
//
//	"localhost:9100/"   -> "http://localhost:9100"
//	"http://x.com///"   -> "http://x.com"
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", trace.BadParameter("empty url")
	}

	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	for strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}

	return s, nil
}

// redirectStatusCodes are the HTTP status codes treated as redirects by
// IsRedirect.
var redirectStatusCodes = map[int]bool{
	http.StatusMovedPermanently:  true, // 301
	http.StatusFound:             true, // 302
	http.StatusSeeOther:          true, // 303
	http.StatusTemporaryRedirect: true, // 307
	http.StatusPermanentRedirect: true, // 308
}

// IsRedirect reports whether status is one of the HTTP redirect codes the
// proxy authorizer treats specially (see SPEC_FULL.md §4.5 step 7).
func IsRedirect(status int) bool {
	return redirectStatusCodes[status]
}
