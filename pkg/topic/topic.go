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

// Package topic maps application channels onto discovery topics.
package topic

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"
)

// Size is the length of a topic identifier in bytes.
const Size = sha256.Size

// NamespacePrefix is prepended to the hex form of a topic to build the
// rendezvous string used for advertising and lookups.
const NamespacePrefix = "/dhtchan/"

// ErrInvalid is returned when a string cannot be parsed as a topic.
var ErrInvalid = errors.New("invalid topic")

// ID is the fixed width discovery key derived from a channel.
type ID [Size]byte

// FromChannel returns the topic for the given channel. Equal channels
// always produce equal topics.
func FromChannel(channel string) ID {
	return ID(sha256.Sum256([]byte(channel)))
}

// Parse parses the hex form of a topic as returned by String.
func Parse(s string) (ID, error) {
	var id ID
	if hex.DecodedLen(len(s)) != Size {
		return id, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalid, Size*2, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return id, nil
}

// String returns the lowercase hex form of the topic.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form of the topic for logging.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Namespace returns the rendezvous namespace for the topic.
func (id ID) Namespace() string {
	return NamespacePrefix + id.String()
}

// IsZero reports whether the topic is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}
