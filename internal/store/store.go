package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/micheletedeschi/mtconnect-agent/internal/schema"
)

// DefaultCapacity is the observation ring size when none is configured.
const DefaultCapacity = 10000

// ErrOutOfRange is returned by SampleWindow when the requested starting
// sequence falls outside the retained window.
var ErrOutOfRange = errors.New("sequence out of range")

// SequenceInfo describes the retained sequence window.
type SequenceInfo struct {
	First uint64 // oldest retained sequence (next to be assigned when empty)
	Last  uint64 // most recently assigned sequence (0 before first update)
	Next  uint64 // sequence the next observation will receive
}

// Store owns the circular observation history and the current/last hash
// maps. All mutation goes through Update on a single goroutine; reads take
// the read lock.
type Store struct {
	mu sync.RWMutex

	seq  uint64 // last assigned sequence
	ring *ring

	current map[string]*Observation
	last    map[string]*Observation

	// Active condition set per dataitem, keyed and ordered by arrival of
	// nativeCode. A clearing condition empties the slice.
	conditions map[string][]*Observation
}

// New creates a store with the given ring capacity (DefaultCapacity when
// zero or negative).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		ring:       newRing(capacity),
		current:    make(map[string]*Observation),
		last:       make(map[string]*Observation),
		conditions: make(map[string][]*Observation),
	}
}

// Capacity returns the ring capacity.
func (s *Store) Capacity() int {
	return s.ring.cap()
}

// Sequence returns the retained window boundaries.
func (s *Store) Sequence() SequenceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequenceLocked()
}

func (s *Store) sequenceLocked() SequenceInfo {
	info := SequenceInfo{Last: s.seq, Next: s.seq + 1}
	if oldest := s.ring.oldest(); oldest != nil {
		info.First = oldest.Sequence
	} else {
		info.First = info.Next
	}
	return info
}

// Update records one value against a dataitem. It returns the stored
// observation, or nil when the value was suppressed as an unchanged
// duplicate. Suppression applies only to VALUE-representation dataitems:
// CONDITION always records, and TIME_SERIES blocks are never suppressed
// even when byte-identical.
func (s *Store) Update(di *schema.DataItem, timestamp string, v Value) *Observation {
	return s.update(di, timestamp, v, false)
}

// ForceUpdate records a value even when it equals the current one. The
// derived ASSET_CHANGED / ASSET_REMOVED events use it: every successful
// asset command must surface in the history.
func (s *Store) ForceUpdate(di *schema.DataItem, timestamp string, v Value) *Observation {
	return s.update(di, timestamp, v, true)
}

func (s *Store) update(di *schema.DataItem, timestamp string, v Value, force bool) *Observation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && !di.IsCondition() && !di.IsTimeSeries() {
		if prev := s.current[di.ID]; prev != nil && prev.Value.Equal(v) {
			return nil
		}
	}

	s.seq++
	obs := &Observation{
		Sequence:     s.seq,
		Time:         timestamp,
		DataItemID:   di.ID,
		DataItemName: di.Name,
		Value:        v,
	}

	s.last[di.ID] = s.current[di.ID]
	s.current[di.ID] = obs
	s.ring.push(obs)

	if cond, ok := v.(Condition); ok {
		s.applyConditionLocked(di.ID, cond, obs)
	}
	return obs
}

// applyConditionLocked maintains the per-dataitem active condition set: a
// clearing level empties it, anything else adds or replaces the entry keyed
// by nativeCode.
func (s *Store) applyConditionLocked(id string, cond Condition, obs *Observation) {
	if cond.Clears() {
		s.conditions[id] = nil
		return
	}
	active := s.conditions[id]
	for i, existing := range active {
		if existing.Value.(Condition).NativeCode == cond.NativeCode {
			active[i] = obs
			return
		}
	}
	s.conditions[id] = append(active, obs)
}

// Current returns the latest observation for a dataitem id, or nil. The
// record survives ring eviction.
func (s *Store) Current(id string) *Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current[id]
}

// Last returns the second-most-recent observation for a dataitem id, or nil.
func (s *Store) Last(id string) *Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last[id]
}

// ActiveConditions returns the active condition observations for a
// dataitem, oldest first. Empty when the channel is clear.
func (s *Store) ActiveConditions(id string) []*Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := s.conditions[id]
	out := make([]*Observation, len(active))
	copy(out, active)
	return out
}

// SnapshotCurrent returns the current observation per requested id, in the
// order the ids were given. For CONDITION dataitems with active conditions
// every active entry is included (multi-status). Ids with no observation
// yet are skipped.
func (s *Store) SnapshotCurrent(ids []string) []*Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Observation
	for _, id := range ids {
		if active := s.conditions[id]; len(active) > 0 {
			out = append(out, active...)
			continue
		}
		if obs := s.current[id]; obs != nil {
			out = append(out, obs)
		}
	}
	return out
}

// CurrentAt returns, for each requested id, the latest retained observation
// whose sequence is at most `at`. Ids with no such observation are skipped.
// An `at` outside [firstSequence, lastSequence] fails with ErrOutOfRange.
func (s *Store) CurrentAt(ids []string, at uint64) ([]*Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.sequenceLocked()
	if at < info.First || at > info.Last {
		return nil, fmt.Errorf("%w: at=%d window=[%d,%d]", ErrOutOfRange, at, info.First, info.Last)
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	latest := make(map[string]*Observation)
	s.ring.do(func(obs *Observation) bool {
		if obs.Sequence > at {
			return false
		}
		if want[obs.DataItemID] {
			latest[obs.DataItemID] = obs
		}
		return true
	})

	var out []*Observation
	for _, id := range ids {
		if obs := latest[id]; obs != nil {
			out = append(out, obs)
		}
	}
	return out, nil
}

// SampleWindow returns the retained observations whose sequence lies in
// [from, from+count) and whose dataitem id is in ids (all ids when the set
// is empty), in sequence order. A count exceeding the ring capacity is
// truncated to it. A from outside [firstSequence, nextSequence] fails with
// ErrOutOfRange.
func (s *Store) SampleWindow(ids []string, from uint64, count int) ([]*Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := s.sequenceLocked()
	if from < info.First || from > info.Next {
		return nil, fmt.Errorf("%w: from=%d window=[%d,%d]", ErrOutOfRange, from, info.First, info.Next)
	}
	if count > s.ring.cap() {
		count = s.ring.cap()
	}
	if count <= 0 {
		return nil, nil
	}
	end := from + uint64(count)

	var want map[string]bool
	if len(ids) > 0 {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}

	var out []*Observation
	s.ring.do(func(obs *Observation) bool {
		if obs.Sequence >= end {
			return false
		}
		if obs.Sequence < from {
			return true
		}
		if want == nil || want[obs.DataItemID] {
			out = append(out, obs)
		}
		return true
	})
	return out, nil
}
