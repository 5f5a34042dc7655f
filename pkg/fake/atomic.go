/*
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

// Package fake holds in-memory test doubles for the cloud APIs, the
// metadata service, the risk model and the pricing sink. Behavior structs
// must be Reset between tests or tests will pollute each other.
package fake

import (
	"sync"
)

// AtomicPtr guards a canned output value.
type AtomicPtr[T any] struct {
	mu    sync.Mutex
	value *T
}

func (a *AtomicPtr[T]) Set(v *T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
}

func (a *AtomicPtr[T]) Clone() *T {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.value == nil {
		return nil
	}
	out := *a.value
	return &out
}

func (a *AtomicPtr[T]) IsNil() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value == nil
}

func (a *AtomicPtr[T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = nil
}

// AtomicError hands out a canned error once, or persistently when sticky.
type AtomicError struct {
	mu     sync.Mutex
	err    error
	sticky bool
}

func (a *AtomicError) Set(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.sticky = false
}

func (a *AtomicError) SetSticky(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	a.sticky = true
}

// Get consumes the error unless sticky.
func (a *AtomicError) Get() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.err
	if !a.sticky {
		a.err = nil
	}
	return err
}

func (a *AtomicError) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = nil
	a.sticky = false
}

// MockedFunction records calls and replays a canned output or error.
type MockedFunction[I any, O any] struct {
	mu         sync.Mutex
	output     *O
	err        error
	calledWith []*I
}

func (m *MockedFunction[I, O]) SetOutput(out *O) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = out
}

func (m *MockedFunction[I, O]) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Invoke replays the canned behavior, falling back to the provided default
// when nothing is canned.
func (m *MockedFunction[I, O]) Invoke(input *I, defaultFn func(*I) (*O, error)) (*O, error) {
	m.mu.Lock()
	m.calledWith = append(m.calledWith, input)
	output, err := m.output, m.err
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if output != nil {
		out := *output
		return &out, nil
	}
	return defaultFn(input)
}

func (m *MockedFunction[I, O]) CalledWithInput() []*I {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*I{}, m.calledWith...)
}

func (m *MockedFunction[I, O]) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calledWith)
}

func (m *MockedFunction[I, O]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.output = nil
	m.err = nil
	m.calledWith = nil
}
