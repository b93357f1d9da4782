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

// Package device presents an asynchronous, non-blocking facade over a
// stateful compute backend. One serial task queue per Manager gives every
// mutating operation exclusive, ordered access to device state, so the
// backend itself needs no locking.
package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/llm-d-incubation/device-runner/internal/backend"
	"github.com/llm-d-incubation/device-runner/internal/device/metrics"
	"github.com/llm-d-incubation/device-runner/internal/taskqueue"
	"github.com/llm-d-incubation/device-runner/internal/tensor"
)

var (
	// ErrStopped rejects operations submitted after Stop.
	ErrStopped = taskqueue.ErrStopped
	// ErrNameTaken reports an AddNetwork collision with a loaded network.
	ErrNameTaken = errors.New("network name already loaded")
	// ErrNotFound reports an operation against a name that is not loaded.
	ErrNotFound = errors.New("network not found")
	// ErrEvictPending rejects runs against a name scheduled for eviction.
	ErrEvictPending = errors.New("network eviction pending")
)

// RunID correlates an asynchronous run request with its completion
// callback. IDs are strictly increasing per Manager and never reused.
type RunID uint64

// ReadyCallback receives the outcome of an AddNetwork request.
type ReadyCallback func(err error)

// ResultCallback receives the outcome of a RunFunction request together
// with the RunID returned at submission and the owned run context.
type ResultCallback func(id RunID, err error, rc *backend.RunContext)

// Network describes one loaded network in a snapshot.
type Network struct {
	Name   string
	Input  tensor.Dims
	Output tensor.Dims
}

// Manager serializes add/evict/run operations against one backend device.
// Completion callbacks fire on the queue goroutine, exactly once, and
// never synchronously from the submitting call. Callers must Stop the
// Manager when done with it.
type Manager struct {
	name  string
	be    backend.Backend
	queue *taskqueue.Serial

	nextID atomic.Uint64

	mu       sync.Mutex
	evicting map[string]bool

	// functions is owned by the queue goroutine: tasks are the only code
	// that reads or writes it.
	functions map[string]backend.CompiledFunction
}

// New creates a Manager over be with its own serial queue.
func New(name string, be backend.Backend) *Manager {
	return &Manager{
		name:      name,
		be:        be,
		queue:     taskqueue.NewSerial(name),
		evicting:  map[string]bool{},
		functions: map[string]backend.CompiledFunction{},
	}
}

// Name returns the device name.
func (m *Manager) Name() string { return m.name }

// submit wraps queue submission with queue-depth accounting.
func (m *Manager) submit(t taskqueue.Task) error {
	metrics.IncQueueDepth(m.name)
	err := m.queue.Submit(func() {
		metrics.DecQueueDepth(m.name)
		t()
	})
	if err != nil {
		metrics.DecQueueDepth(m.name)
	}
	return err
}

// runContained invokes f, converting a panic into an error so completion
// callbacks always fire exactly once.
func runContained(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

// AddNetwork schedules loading of the given functions of module onto the
// device; empty fns means all of the module's functions. It returns
// immediately: the network is loaded only once onReady fires with nil.
// Every requested name is validated against loaded networks before any
// compilation, and nothing is published unless all functions compile.
func (m *Manager) AddNetwork(ctx context.Context, module *backend.Module, fns []backend.FunctionDef, onReady ReadyCallback) error {
	if module == nil || onReady == nil {
		return fmt.Errorf("device %s: nil module or ready callback", m.name)
	}
	if len(fns) == 0 {
		fns = module.Functions
	}
	logger := klog.FromContext(ctx).WithValues("device", m.name, "module", module.Name)

	task := func() {
		err := runContained(func() error {
			seen := make(map[string]bool, len(fns))
			for _, fn := range fns {
				if _, taken := m.functions[fn.Name]; taken || seen[fn.Name] {
					return fmt.Errorf("add %s: %w", fn.Name, ErrNameTaken)
				}
				seen[fn.Name] = true
			}
			compiled := make([]backend.CompiledFunction, 0, len(fns))
			for _, fn := range fns {
				cf, err := m.be.Compile(ctx, fn)
				if err != nil {
					return fmt.Errorf("compile %s: %w", fn.Name, err)
				}
				compiled = append(compiled, cf)
			}
			for _, cf := range compiled {
				m.functions[cf.Name()] = cf
			}
			return nil
		})
		if err != nil {
			logger.Error(err, "AddNetwork: failed")
			onReady(err)
			return
		}
		metrics.SetActiveNetworks(m.name, len(m.functions))
		logger.V(2).Info("AddNetwork: loaded", "functions", len(fns))
		onReady(nil)
	}
	return m.submit(task)
}

// EvictNetwork schedules removal of the named network. It is
// fire-and-forget: eviction outcomes are logged, not called back. From the
// moment the eviction is accepted until its task executes, new runs
// against name are rejected with ErrEvictPending.
func (m *Manager) EvictNetwork(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("device %s: empty network name", m.name)
	}
	logger := klog.FromContext(ctx).WithValues("device", m.name, "network", name)

	m.mu.Lock()
	m.evicting[name] = true
	m.mu.Unlock()

	task := func() {
		defer func() {
			m.mu.Lock()
			delete(m.evicting, name)
			m.mu.Unlock()
		}()
		if _, ok := m.functions[name]; !ok {
			logger.Error(ErrNotFound, "EvictNetwork: nothing to evict")
			metrics.RecordEviction(m.name, "not_found")
			return
		}
		delete(m.functions, name)
		metrics.RecordEviction(m.name, "ok")
		metrics.SetActiveNetworks(m.name, len(m.functions))
		logger.V(2).Info("EvictNetwork: evicted")
	}
	if err := m.submit(task); err != nil {
		m.mu.Lock()
		delete(m.evicting, name)
		m.mu.Unlock()
		return err
	}
	return nil
}

// RunFunction schedules execution of the named network over rc. The
// returned RunID is allocated synchronously and strictly increases with
// every accepted call. onDone fires exactly once, asynchronously, with the
// same id and the owned rc carrying outputs on success.
func (m *Manager) RunFunction(ctx context.Context, name string, rc *backend.RunContext, onDone ResultCallback) (RunID, error) {
	if rc == nil || onDone == nil {
		return 0, fmt.Errorf("device %s: nil run context or result callback", m.name)
	}
	m.mu.Lock()
	pending := m.evicting[name]
	m.mu.Unlock()
	if pending {
		return 0, fmt.Errorf("run %s: %w", name, ErrEvictPending)
	}

	id := RunID(m.nextID.Add(1))
	logger := klog.FromContext(ctx).WithValues("device", m.name, "network", name, "runID", uint64(id))

	task := func() {
		fn, ok := m.functions[name]
		if !ok {
			logger.Error(ErrNotFound, "RunFunction: no such network")
			metrics.RecordRun(m.name, "not_found", 0)
			onDone(id, fmt.Errorf("run %s: %w", name, ErrNotFound), rc)
			return
		}
		start := time.Now()
		err := runContained(func() error { return fn.Run(ctx, rc) })
		elapsed := time.Since(start)
		if err != nil {
			logger.Error(err, "RunFunction: execution failed")
			metrics.RecordRun(m.name, "error", elapsed)
			onDone(id, fmt.Errorf("run %s: %w", name, err), rc)
			return
		}
		metrics.RecordRun(m.name, "ok", elapsed)
		logger.V(4).Info("RunFunction: completed", "duration", elapsed)
		onDone(id, nil, rc)
	}
	if err := m.submit(task); err != nil {
		return 0, err
	}
	return id, nil
}

// Networks snapshots the loaded networks through the queue, so the
// snapshot is consistent with all previously completed operations.
func (m *Manager) Networks(ctx context.Context) ([]Network, error) {
	out := make(chan []Network, 1)
	err := m.submit(func() {
		nets := make([]Network, 0, len(m.functions))
		for _, cf := range m.functions {
			nets = append(nets, Network{
				Name:   cf.Name(),
				Input:  cf.InputDims(),
				Output: cf.OutputDims(),
			})
		}
		sort.Slice(nets, func(i, j int) bool { return nets[i].Name < nets[j].Name })
		out <- nets
	})
	if err != nil {
		return nil, err
	}
	select {
	case nets := <-out:
		return nets, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueLen reports how many device tasks are waiting to execute.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// Stop shuts down the device queue. With block set it returns only after
// every queued task and callback has completed; afterwards every operation
// returns ErrStopped and no callback ever fires again.
func (m *Manager) Stop(block bool) {
	m.queue.Stop(block)
}
