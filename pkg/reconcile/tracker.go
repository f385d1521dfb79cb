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

package reconcile

// Result describes the outcome of a single Apply.
type Result struct {
	// Joined are the channels that were joined and recorded as active.
	Joined []string
	// Left are the channels removed from the active set.
	Left []string
	// Failed maps channels whose join call failed to the error returned.
	Failed map[string]error
	// LeaveErrors maps channels whose leave call failed to the error
	// returned. Those channels are still removed from the active set.
	LeaveErrors map[string]error
	// Emptied is true when the active set was non-empty before the
	// apply and is empty after it.
	Emptied bool
}

// Changed reports whether the apply modified the active set.
func (r Result) Changed() bool {
	return len(r.Joined) > 0 || len(r.Left) > 0
}

// Tracker holds the set of active channels and commits changes to it. A
// Tracker is not safe for concurrent use, the owner serializes access.
type Tracker struct {
	active Set
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{active: make(Set)}
}

// Apply reconciles the active set against desired. Leaves are issued
// first, then joins, each in lexical channel order. A channel whose join
// fails is not recorded. A channel being left is removed even if leave
// returns an error.
func (t *Tracker) Apply(desired Set, join, leave func(ch string) error) Result {
	var res Result
	wasActive := t.active.Len() > 0
	toJoin, toLeave := Reconcile(t.active, desired)
	for _, ch := range toLeave.Sorted() {
		if err := leave(ch); err != nil {
			if res.LeaveErrors == nil {
				res.LeaveErrors = make(map[string]error)
			}
			res.LeaveErrors[ch] = err
		}
		t.active.Remove(ch)
		res.Left = append(res.Left, ch)
	}
	for _, ch := range toJoin.Sorted() {
		if err := join(ch); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]error)
			}
			res.Failed[ch] = err
			continue
		}
		t.active.Add(ch)
		res.Joined = append(res.Joined, ch)
	}
	res.Emptied = wasActive && t.active.Len() == 0
	return res
}

// Remove drops a channel from the active set without issuing a leave. It
// reports whether the channel was active.
func (t *Tracker) Remove(ch string) bool {
	if !t.active.Has(ch) {
		return false
	}
	t.active.Remove(ch)
	return true
}

// Has reports whether the channel is active.
func (t *Tracker) Has(ch string) bool {
	return t.active.Has(ch)
}

// Len returns the number of active channels.
func (t *Tracker) Len() int {
	return t.active.Len()
}

// Active returns a copy of the active set.
func (t *Tracker) Active() Set {
	return t.active.Clone()
}

// Clear empties the active set and returns what it held.
func (t *Tracker) Clear() Set {
	out := t.active
	t.active = make(Set)
	return out
}
