/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

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

// Package address encodes and decodes dht:<channel> addresses.
package address

import "strings"

// Scheme is the address scheme for channel addresses.
const Scheme = "dht"

// Address is a parsed channel address.
type Address struct {
	Channel string
}

// New returns the address for the given channel.
func New(channel string) Address {
	return Address{Channel: channel}
}

// Parse parses an address of the form dht:<channel>. The first colon
// separates the scheme from the channel, so channels may contain colons.
// It returns false for any input that is not a dht address with a
// non-empty channel.
func Parse(s string) (Address, bool) {
	scheme, channel, ok := strings.Cut(s, ":")
	if !ok || scheme != Scheme || channel == "" {
		return Address{}, false
	}
	return Address{Channel: channel}, true
}

// String returns the wire form of the address.
func (a Address) String() string {
	return Scheme + ":" + a.Channel
}

// IsZero reports whether the address carries no channel.
func (a Address) IsZero() bool {
	return a.Channel == ""
}
