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

// Package reconcile computes and commits channel membership changes.
package reconcile

import "sort"

// Set is a set of channels.
type Set map[string]struct{}

// NewSet returns a set holding the given channels. Empty channels are
// ignored.
func NewSet(channels ...string) Set {
	s := make(Set, len(channels))
	for _, ch := range channels {
		s.Add(ch)
	}
	return s
}

// Has reports whether the channel is in the set.
func (s Set) Has(ch string) bool {
	_, ok := s[ch]
	return ok
}

// Add adds the channel to the set.
func (s Set) Add(ch string) {
	if ch == "" {
		return
	}
	s[ch] = struct{}{}
}

// Remove removes the channel from the set.
func (s Set) Remove(ch string) {
	delete(s, ch)
}

// Len returns the number of channels in the set.
func (s Set) Len() int {
	return len(s)
}

// Sorted returns the channels in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for ch := range s {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for ch := range s {
		out[ch] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same channels.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for ch := range s {
		if !o.Has(ch) {
			return false
		}
	}
	return true
}

// Reconcile returns the channels that must be joined and left to move
// from old to next.
func Reconcile(old, next Set) (toJoin, toLeave Set) {
	toJoin = make(Set)
	toLeave = make(Set)
	for ch := range next {
		if !old.Has(ch) {
			toJoin.Add(ch)
		}
	}
	for ch := range old {
		if !next.Has(ch) {
			toLeave.Add(ch)
		}
	}
	return toJoin, toLeave
}
