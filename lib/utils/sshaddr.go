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
	"net"
	"strconv"

	"github.com/gravitational/trace"
)

// SSHEndpoint is a parsed host[:port] pair for the reverse-SSH tunnel's
// sshd target, as returned by the master during registration.
type SSHEndpoint struct {
	Host string
	Port int
}

// ParseSSHEndpoint parses the three forms the master is allowed to send:
//
//	"h"                     -> {h, 0}
//	"h:22"                  -> {h, 22}
//	"[2001:db8::1]:2200"    -> {2001:db8::1, 2200}
func ParseSSHEndpoint(s string) (SSHEndpoint, error) {
	if s == "" {
		return SSHEndpoint{}, trace.BadParameter("empty ssh endpoint")
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// No port present at all, e.g. "h" or a bare IPv6 literal.
		return SSHEndpoint{Host: s}, nil
	}

	if port == "" {
		return SSHEndpoint{Host: host}, nil
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return SSHEndpoint{}, trace.BadParameter("invalid port in ssh endpoint %q: %v", s, err)
	}

	return SSHEndpoint{Host: host, Port: p}, nil
}

// String renders the endpoint back to host[:port] form, bracketing IPv6
// literals as net.JoinHostPort does.
func (e SSHEndpoint) String() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}
