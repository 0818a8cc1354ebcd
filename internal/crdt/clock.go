// Package crdt implements the replicated containers task documents are
// built from: last-writer-wins registers and maps, append-only logs,
// position-stable ordered lists, and keyed tables of LWW rows. Every
// container's merge is a commutative, associative, and idempotent join,
// so replicas converge no matter how deltas are ordered, duplicated, or
// delayed in transit. A delta is simply a sparse state merged through the
// same join as a full snapshot.
package crdt

import "strings"

// ReplicaID identifies one replica of a document: a daemon, the hub, or
// an agent process. It breaks ties between concurrent writes.
type ReplicaID string

// Stamp is a Lamport timestamp: a per-document logical counter paired with
// the replica that produced it. Stamps are totally ordered, counter first
// and replica as tie-break, so two replicas never disagree about which of
// two writes is newer.
type Stamp struct {
	Counter uint64    `json:"c"`
	Replica ReplicaID `json:"r,omitempty"`
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool { return s.Counter == 0 && s.Replica == "" }

// Compare returns -1, 0, or +1 ordering s against o.
func (s Stamp) Compare(o Stamp) int {
	if s.Counter != o.Counter {
		if s.Counter < o.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(string(s.Replica), string(o.Replica))
}

// Newer reports whether s is strictly newer than o.
func (s Stamp) Newer(o Stamp) bool { return s.Compare(o) > 0 }

// Clock issues stamps for one replica's writes to one document. It is not
// safe for concurrent use; the sync engine holds the document lock while
// ticking.
type Clock struct {
	replica ReplicaID
	counter uint64
}

// NewClock creates a clock for the given replica, starting at zero.
func NewClock(replica ReplicaID) *Clock {
	return &Clock{replica: replica}
}

// Replica returns the replica this clock stamps for.
func (c *Clock) Replica() ReplicaID { return c.replica }

// Tick advances the counter and returns a stamp for a new local write.
func (c *Clock) Tick() Stamp {
	c.counter++
	return Stamp{Counter: c.counter, Replica: c.replica}
}

// Observe advances the counter past a remotely produced stamp, so later
// local writes are ordered after everything this replica has seen.
func (c *Clock) Observe(s Stamp) {
	if s.Counter > c.counter {
		c.counter = s.Counter
	}
}
