// Package reconcile merges remote change deltas into the local entity cache:
// the pure keyed-collection diff in this file, and the per-chat pipeline in
// pipeline.go that applies bridge events and republishes consolidated events
// to presentation subscribers.
package reconcile

import "github.com/loqui/chat-sync/internal/entity"

// Keyed is a collection element with a stable identity within its parent
// (a reaction's emoji within a message).
type Keyed interface {
	Key() string
}

// Reconcile merges an incoming snapshot of a keyed collection into local
// with minimal change: elements whose key vanished from incoming are removed,
// new keys are appended as copies, and elements present on both sides are
// merged in place via merge (pass nil to keep the local element untouched).
//
// The result never holds duplicate keys, the work is O(n), and the function
// is idempotent: reconciling against the same incoming twice is a no-op.
func Reconcile[T Keyed](local, incoming []T, merge func(local, incoming T) T) []T {
	incomingKeys := make(map[string]int, len(incoming))
	for i, el := range incoming {
		incomingKeys[el.Key()] = i
	}

	// Drop local elements whose key is gone.
	kept := local[:0]
	for _, el := range local {
		if _, ok := incomingKeys[el.Key()]; ok {
			kept = append(kept, el)
		}
	}

	localKeys := make(map[string]int, len(kept))
	for i, el := range kept {
		localKeys[el.Key()] = i
	}

	for i, el := range incoming {
		if j, ok := localKeys[el.Key()]; ok {
			if merge != nil {
				kept[j] = merge(kept[j], incoming[i])
			}
			continue
		}
		kept = append(kept, el)
	}
	return kept
}

// ReconcileReactions merges an incoming reaction snapshot into local.
// Surviving reactions keep their identity; their user sets are reconciled one
// level down by the same rule. New emojis are appended as frozen copies, and
// any reaction whose user set ends up empty is dropped.
func ReconcileReactions(local, incoming []entity.Reaction) []entity.Reaction {
	frozen := make([]entity.Reaction, len(incoming))
	for i, r := range incoming {
		frozen[i] = r.Clone()
	}
	merged := Reconcile(local, frozen, func(l, in entity.Reaction) entity.Reaction {
		l.UserIDs = ReconcileIDs(l.UserIDs, in.UserIDs)
		return l
	})

	kept := merged[:0]
	for _, r := range merged {
		if len(r.UserIDs) > 0 {
			kept = append(kept, r)
		}
	}
	return kept
}

// ReconcileIDs merges an incoming id set into local, preserving local order
// for surviving ids and appending new ones in incoming order. Used for
// sub-collections whose elements are bare ids (reacting users, seen-by).
func ReconcileIDs(local, incoming []string) []string {
	incomingSet := make(map[string]bool, len(incoming))
	for _, id := range incoming {
		incomingSet[id] = true
	}

	kept := local[:0]
	localSet := make(map[string]bool, len(local))
	for _, id := range local {
		if incomingSet[id] {
			kept = append(kept, id)
			localSet[id] = true
		}
	}
	for _, id := range incoming {
		if !localSet[id] {
			kept = append(kept, id)
		}
	}
	return kept
}
