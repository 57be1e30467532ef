package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeAdapter is an in-memory Adapter for tests, matching spec §9's
// "testing the core uses in-memory fakes for both the controller
// adapter and the node-agent client."
type FakeAdapter struct {
	mu       sync.Mutex
	queued   map[string]int
	nodes    map[string]NodeState
	secrets  map[string]string
	deleted  map[string]bool
	nextSecret int
}

// NewFakeAdapter builds an empty fake controller.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		queued:  make(map[string]int),
		nodes:   make(map[string]NodeState),
		secrets: make(map[string]string),
		deleted: make(map[string]bool),
	}
}

// SetQueued sets the number of queued jobs for label, the input knob
// the Scaler reads (spec §4.6).
func (f *FakeAdapter) SetQueued(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[label] = n
}

// SetNodeState lets a test drive the controller side of the three-way
// diff without a real Jenkins.
func (f *FakeAdapter) SetNodeState(name string, state NodeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[name] = state
}

func (f *FakeAdapter) Queued(_ context.Context, label string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[label], nil
}

func (f *FakeAdapter) CreateNode(_ context.Context, name, _ string) (CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSecret++
	secret := fmt.Sprintf("fake-secret-%d", f.nextSecret)
	f.secrets[name] = secret
	if _, ok := f.nodes[name]; !ok {
		f.nodes[name] = NodeState{}
	}
	delete(f.deleted, name)
	return CreateResult{Secret: secret}, nil
}

func (f *FakeAdapter) DeleteNode(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, name)
	delete(f.secrets, name)
	f.deleted[name] = true
	return nil
}

func (f *FakeAdapter) NodeState(_ context.Context, name string) (NodeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.nodes[name]
	if !ok {
		return NodeState{}, fmt.Errorf("controller: unknown node %s", name)
	}
	return state, nil
}

func (f *FakeAdapter) ListNodesWithPrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.nodes {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
