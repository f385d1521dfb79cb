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

package topic

import (
	"errors"
	"strings"
	"testing"
)

func TestFromChannel(t *testing.T) {
	t.Parallel()

	t.Run("Deterministic", func(t *testing.T) {
		if FromChannel("japan") != FromChannel("japan") {
			t.Fatal("expected equal channels to map to equal topics")
		}
	})

	t.Run("Distinct", func(t *testing.T) {
		seen := make(map[ID]string)
		for _, ch := range []string{"japan", "Japan", "brazil", "germany", "a:b", ""} {
			id := FromChannel(ch)
			if prev, ok := seen[id]; ok {
				t.Fatalf("channels %q and %q collided", prev, ch)
			}
			seen[id] = ch
		}
	})

	t.Run("KnownDigest", func(t *testing.T) {
		// sha256("abc")
		const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
		if got := FromChannel("abc").String(); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	})
}

func TestParse(t *testing.T) {
	t.Parallel()
	id := FromChannel("germany")
	got, err := Parse(id.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Fatalf("expected %s, got %s", id, got)
	}
	for _, bad := range []string{"", "abcd", strings.Repeat("zz", Size)} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalid) {
			t.Errorf("Parse(%q): expected ErrInvalid, got %v", bad, err)
		}
	}
}

func TestNamespace(t *testing.T) {
	t.Parallel()
	id := FromChannel("japan")
	ns := id.Namespace()
	if !strings.HasPrefix(ns, NamespacePrefix) || strings.TrimPrefix(ns, NamespacePrefix) != id.String() {
		t.Fatalf("unexpected namespace %q", ns)
	}
	if id.IsZero() {
		t.Fatal("expected non-zero topic")
	}
	if !(ID{}).IsZero() {
		t.Fatal("expected zero topic")
	}
}
