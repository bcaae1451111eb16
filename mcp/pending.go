package mcp

import "sync"

// PendingAuth tracks one outstanding device sign-in, addressable by UUID from
// the device sign-in page and by namespace for listing/clearing.
type PendingAuth struct {
	UUID      string
	Alias     string
	Namespace string
	done      chan struct{}
}

type PendingAuths struct {
	mu   sync.RWMutex
	byID map[string]*PendingAuth
	byNS map[string]map[string]*PendingAuth
}

func NewPendingAuths() *PendingAuths {
	return &PendingAuths{byID: map[string]*PendingAuth{}, byNS: map[string]map[string]*PendingAuth{}}
}

func (p *PendingAuths) Put(x *PendingAuth) {
	if x.Namespace == "" {
		x.Namespace = "default"
	}
	if x.done == nil {
		x.done = make(chan struct{})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[x.UUID] = x
	m, ok := p.byNS[x.Namespace]
	if !ok {
		m = map[string]*PendingAuth{}
		p.byNS[x.Namespace] = m
	}
	m[x.UUID] = x
}

func (p *PendingAuths) Get(uuid string) (*PendingAuth, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	x, ok := p.byID[uuid]
	return x, ok
}

// Complete removes the pending auth and signals any waiter.
func (p *PendingAuths) Complete(uuid string) {
	p.mu.Lock()
	x, ok := p.byID[uuid]
	if ok {
		delete(p.byID, uuid)
		if m, ok2 := p.byNS[x.Namespace]; ok2 {
			delete(m, uuid)
			if len(m) == 0 {
				delete(p.byNS, x.Namespace)
			}
		}
	}
	p.mu.Unlock()
	if ok {
		close(x.done)
	}
}

// ListNamespace returns a snapshot of pending auths for a namespace.
func (p *PendingAuths) ListNamespace(ns string) []*PendingAuth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m := p.byNS[ns]
	out := make([]*PendingAuth, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// ClearNamespace removes all pending auths for a namespace and returns the
// cleared UUIDs.
func (p *PendingAuths) ClearNamespace(ns string) []string {
	p.mu.Lock()
	ids := make([]string, 0)
	var done []chan struct{}
	if m, ok := p.byNS[ns]; ok {
		for id, x := range m {
			delete(p.byID, id)
			ids = append(ids, id)
			done = append(done, x.done)
		}
		delete(p.byNS, ns)
	}
	p.mu.Unlock()
	for _, ch := range done {
		close(ch)
	}
	return ids
}
