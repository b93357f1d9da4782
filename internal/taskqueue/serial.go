/*
Copyright 2026 The llm-d Authors

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

// Package taskqueue provides a single-worker FIFO executor that linearizes
// access to a resource that is not safe for concurrent use.
package taskqueue

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// ErrStopped is returned by Submit once shutdown has begun; the submitted
// task will never run.
var ErrStopped = errors.New("task queue stopped")

// Task is an owned, one-shot unit of deferred work, executed at most once.
type Task func()

// Serial executes submitted tasks one at a time on a dedicated background
// goroutine, in submission order. Submission never blocks on execution and
// the queue is unbounded. Owners must call Stop; a Serial holds its worker
// goroutine until stopped.
type Serial struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	stopped bool // no further submissions accepted
	done    bool // worker goroutine has exited
}

// NewSerial creates a queue and starts its worker goroutine. name appears
// in log lines.
func NewSerial(name string) *Serial {
	s := &Serial{name: name}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Name returns the queue's log name.
func (s *Serial) Name() string { return s.name }

// Submit enqueues t and returns immediately; it never waits for execution.
// It is safe to call from any goroutine. After Stop it returns ErrStopped
// and t never runs.
func (s *Serial) Submit(t Task) error {
	if t == nil {
		return fmt.Errorf("queue %s: nil task", s.name)
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// Len reports how many tasks are queued and not yet started.
func (s *Serial) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop begins shutdown: subsequent Submit calls fail with ErrStopped while
// tasks already queued still drain. With block set, Stop returns only
// after the queue is empty and the worker has exited; otherwise the drain
// finishes in the background. Stop is idempotent and safe to call from any
// goroutine.
func (s *Serial) Stop(block bool) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	if !block {
		return
	}
	s.mu.Lock()
	for !s.done {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *Serial) loop() {
	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.tasks) == 0 {
			s.done = true
			s.mu.Unlock()
			s.cond.Broadcast()
			return
		}
		t := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		s.run(t)
	}
}

// run executes one task, containing panics so a failing task cannot kill
// the worker or stall the tasks behind it.
func (s *Serial) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			klog.ErrorS(fmt.Errorf("%v", r), "Panic recovered in task", "queue", s.name)
		}
	}()
	t()
}
