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

// Package crypto contains identity key utilities for the libp2p host.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/minio/sha256-simd"
)

// Key is a private key used for identity over libp2p.
type Key interface {
	// HostKey returns a libp2p compatible host key-pair.
	HostKey() p2pcrypto.PrivKey
	// ID returns the peer ID derived from the key.
	ID() peer.ID
	// PublicHostString returns the base64 encoded string representation of the full host public key.
	PublicHostString() string
	// String return the base64 encoded string representation of the key.
	String() string
}

type key struct {
	hostpriv      p2pcrypto.PrivKey
	id            peer.ID
	marshaledPriv []byte
	marshaledPub  []byte
}

// MustGenerateKey generates a new private key or panics.
func MustGenerateKey() Key {
	k, err := GenerateKey()
	if err != nil {
		panic(err)
	}
	return k
}

// GenerateKey generates a new Ed25519 private key.
func GenerateKey() (Key, error) {
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newKey(priv)
}

// KeyFromSeed deterministically derives an Ed25519 key from the given
// seed string. Equal seeds always yield the same peer identity.
func KeyFromSeed(seed string) (Key, error) {
	digest := sha256.Sum256([]byte(seed))
	std := ed25519.NewKeyFromSeed(digest[:])
	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey([]byte(std))
	if err != nil {
		return nil, err
	}
	return newKey(priv)
}

// ParseKey parses the key from the given base64 encoded string.
func ParseKey(s string) (Key, error) {
	data, err := p2pcrypto.ConfigDecodeKey(s)
	if err != nil {
		return nil, err
	}
	return ParseKeyFromBytes(data)
}

// ParseKeyFromBytes parses a private key from the given bytes.
func ParseKeyFromBytes(data []byte) (Key, error) {
	priv, err := p2pcrypto.UnmarshalPrivateKey(data)
	if err != nil {
		return nil, err
	}
	return newKey(priv)
}

// LoadIdentity returns the key described by s. An empty string generates a
// new key, a base64 encoded key is parsed, and anything else is used as a
// seed for KeyFromSeed.
func LoadIdentity(s string) (Key, error) {
	if s == "" {
		return GenerateKey()
	}
	if k, err := ParseKey(s); err == nil {
		return k, nil
	}
	k, err := KeyFromSeed(s)
	if err != nil {
		return nil, fmt.Errorf("derive identity from seed: %w", err)
	}
	return k, nil
}

// ParseHostPublicKey parses the host public key from the given base64 encoded string.
func ParseHostPublicKey(s string) (p2pcrypto.PubKey, error) {
	data, err := p2pcrypto.ConfigDecodeKey(s)
	if err != nil {
		return nil, err
	}
	return p2pcrypto.UnmarshalPublicKey(data)
}

func newKey(priv p2pcrypto.PrivKey) (Key, error) {
	marshaledPriv, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	marshaledPub, err := p2pcrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return &key{
		hostpriv:      priv,
		id:            id,
		marshaledPriv: marshaledPriv,
		marshaledPub:  marshaledPub,
	}, nil
}

// HostKey returns a libp2p compatible host key-pair.
func (k *key) HostKey() p2pcrypto.PrivKey {
	return k.hostpriv
}

// ID returns the peer ID derived from the key.
func (k *key) ID() peer.ID {
	return k.id
}

// PublicHostString returns the base64 encoded string representation of the full host public key.
func (k *key) PublicHostString() string {
	return p2pcrypto.ConfigEncodeKey(k.marshaledPub)
}

// String return the base64 encoded string representation of the key.
func (k *key) String() string {
	return p2pcrypto.ConfigEncodeKey(k.marshaledPriv)
}
