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

package transport

import "sync"

// callbackQueue runs application callbacks in FIFO order outside of the
// role mutex. Whichever goroutine finds the queue idle drains it, so a
// callback that re-enters the transport only enqueues.
type callbackQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// push enqueues the callbacks. It must be called with the role mutex held
// so enqueue order matches state transitions.
func (q *callbackQueue) push(fns ...func()) {
	if len(fns) == 0 {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, fns...)
	q.mu.Unlock()
}

// run drains the queue unless another goroutine already is. It must be
// called without the role mutex held.
func (q *callbackQueue) run() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.pending) > 0 {
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}
