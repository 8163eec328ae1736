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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	testCases := []struct {
		desc string
		in   string
		want string
	}{
		{desc: "missing scheme and trailing slash", in: "localhost:9100/", want: "http://localhost:9100"},
		{desc: "multiple trailing slashes", in: "http://x.com///", want: "http://x.com"},
		{desc: "already normalized", in: "https://example.com", want: "https://example.com"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := NormalizeURL("   ")
	require.Error(t, err)
}

func TestIsRedirect(t *testing.T) {
	for _, status := range []int{301, 302, 303, 307, 308} {
		require.True(t, IsRedirect(status), "status %d should be a redirect", status)
	}
	for _, status := range []int{200, 404} {
		require.False(t, IsRedirect(status), "status %d should not be a redirect", status)
	}
}
