package router

import (
	"sync"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
)

// Participant is a shard contacted by the transaction. HasExecutedStatement
// becomes true once a statement on it succeeded; after that the shard can
// no longer be silently re-targeted.
type Participant struct {
	ShardID              string
	HasExecutedStatement bool
}

// ParticipantTracker records participants in first-contact order.
type ParticipantTracker struct {
	mu    sync.Mutex
	order []*Participant
	byID  map[string]*Participant
}

func NewParticipantTracker() *ParticipantTracker {
	return &ParticipantTracker{byID: make(map[string]*Participant)}
}

// Add registers shard without an executed statement. It is a no-op for
// known shards.
func (t *ParticipantTracker) Add(shard string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[shard]; ok {
		return
	}
	p := &Participant{ShardID: shard}
	t.byID[shard] = p
	t.order = append(t.order, p)
}

// MarkExecuted records a successful statement on shard.
func (t *ParticipantTracker) MarkExecuted(shard string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[shard]
	if !ok {
		p = &Participant{ShardID: shard}
		t.byID[shard] = p
		t.order = append(t.order, p)
	}
	p.HasExecutedStatement = true
}

func (t *ParticipantTracker) Get(shard string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[shard]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot copies the participants in contact order.
func (t *ParticipantTracker) Snapshot() ([]Participant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.order))
	if err := copier.Copy(&out, t.order); err != nil {
		return nil, errors.Wrap(err, "unable to copy participants")
	}
	return out, nil
}
