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

func TestParseSSHEndpoint(t *testing.T) {
	testCases := []struct {
		desc string
		in   string
		want SSHEndpoint
	}{
		{desc: "host only", in: "h", want: SSHEndpoint{Host: "h"}},
		{desc: "host and port", in: "h:22", want: SSHEndpoint{Host: "h", Port: 22}},
		{desc: "bracketed ipv6 with port", in: "[2001:db8::1]:2200", want: SSHEndpoint{Host: "2001:db8::1", Port: 2200}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseSSHEndpoint(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := ParseSSHEndpoint("")
	require.Error(t, err)
}
