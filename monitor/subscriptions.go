package monitor

import (
	"sort"
	"sync"

	"github.com/c360studio/fidelitymon/wire"
)

// Subscriptions tracks which workflow subscriptions the backend has
// confirmed. The set mutates only on confirmation events: requesting a
// subscription never adds to it, and requesting an unsubscription never
// removes from it. Safe for concurrent use.
type Subscriptions struct {
	mu        sync.RWMutex
	confirmed map[string]struct{}

	// pending lists workflows configured for auto-subscription that the
	// backend has not confirmed yet.
	pending map[string]struct{}

	send func(wire.Command)
}

// NewSubscriptions creates the subscription tracker. send carries outbound
// commands; workflows seeds the auto-subscribe set requested on every
// connection until confirmed.
func NewSubscriptions(send func(wire.Command), workflows []string) *Subscriptions {
	pending := make(map[string]struct{}, len(workflows))
	for _, id := range workflows {
		if id != "" {
			pending[id] = struct{}{}
		}
	}
	return &Subscriptions{
		confirmed: make(map[string]struct{}),
		pending:   pending,
		send:      send,
	}
}

// Subscribe requests fidelity events for a workflow. The confirmed set is
// untouched until the backend acknowledges. While disconnected the request
// is dropped with the rest of the outbound traffic, not queued.
func (s *Subscriptions) Subscribe(workflowID string) {
	if workflowID == "" {
		return
	}
	s.send(wire.SubscribeWorkflow(workflowID))
}

// Unsubscribe requests cancellation for a workflow. The confirmed set is
// untouched until the backend acknowledges. A configured auto-subscribe
// workflow is also withdrawn from the pending set so it is not re-requested
// on the next connection.
func (s *Subscriptions) Unsubscribe(workflowID string) {
	if workflowID == "" {
		return
	}
	s.mu.Lock()
	delete(s.pending, workflowID)
	s.mu.Unlock()
	s.send(wire.UnsubscribeWorkflow(workflowID))
}

// Confirm records a backend subscription acknowledgement.
func (s *Subscriptions) Confirm(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed[workflowID] = struct{}{}
	delete(s.pending, workflowID)
}

// Unconfirm records a backend unsubscription acknowledgement.
func (s *Subscriptions) Unconfirm(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.confirmed, workflowID)
}

// Confirmed returns the confirmed workflow IDs, sorted.
func (s *Subscriptions) Confirmed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.confirmed))
	for id := range s.confirmed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resubscribe re-requests every confirmed subscription plus any configured
// workflow still awaiting confirmation. The monitor calls this on each
// transition into the connected state so subscriptions survive reconnects.
func (s *Subscriptions) Resubscribe() int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.confirmed)+len(s.pending))
	for id := range s.confirmed {
		ids = append(ids, id)
	}
	for id := range s.pending {
		if _, ok := s.confirmed[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		s.send(wire.SubscribeWorkflow(id))
	}
	return len(ids)
}
