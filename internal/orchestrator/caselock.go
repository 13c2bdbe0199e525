package orchestrator

import "sync"

// caseLocks serializes work on one case across event partitions, the
// operator API and the sweep. Entries are dropped when the last holder
// releases them.
type caseLocks struct {
	mu   sync.Mutex
	held map[string]*caseLock
}

type caseLock struct {
	sync.Mutex
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{held: map[string]*caseLock{}}
}

// lock blocks until caseID is free and returns its release func.
func (l *caseLocks) lock(caseID string) func() {
	l.mu.Lock()
	cl, ok := l.held[caseID]
	if !ok {
		cl = &caseLock{}
		l.held[caseID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.held, caseID)
		}
		l.mu.Unlock()
	}
}

func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
