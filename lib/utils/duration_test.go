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

func TestParseDurationMillis(t *testing.T) {
	testCases := []struct {
		desc    string
		in      string
		want    int64
		wantErr bool
	}{
		{desc: "milliseconds", in: "250ms", want: 250},
		{desc: "seconds", in: "2s", want: 2000},
		{desc: "minutes", in: "3m", want: 180000},
		{desc: "hours", in: "1h", want: 3600000},
		{desc: "bare integer means seconds", in: "7", want: 7000},
		{desc: "whitespace is trimmed", in: "  2s  ", want: 2000},
		{desc: "garbage is an error", in: "abc", wantErr: true},
		{desc: "empty is an error", in: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := ParseDurationMillis(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
