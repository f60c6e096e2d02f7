package receiver

import (
	"sync"

	"github.com/rescp17/busFileSharer/pkg/transfer"
)

// lanes keeps the records of each transfer in arrival order. A transfer has at
// most one worker draining its lane; the lane is dropped once it runs empty.
type lanes struct {
	mu      sync.Mutex
	pending map[string][]*transfer.TransferEnvelope
}

func newLanes() *lanes {
	return &lanes{pending: make(map[string][]*transfer.TransferEnvelope)}
}

// push queues env and reports whether the caller must start a worker for
// its transfer.
func (l *lanes) push(env *transfer.TransferEnvelope) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue, active := l.pending[env.TransferID]
	l.pending[env.TransferID] = append(queue, env)
	return !active
}

// pop returns the oldest queued record of transferID. When none is left the
// lane is removed and the worker must exit.
func (l *lanes) pop(transferID string) (*transfer.TransferEnvelope, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.pending[transferID]
	if len(queue) == 0 {
		delete(l.pending, transferID)
		return nil, false
	}
	env := queue[0]
	queue[0] = nil
	l.pending[transferID] = queue[1:]
	return env, true
}
