// Package csn implements change sequence numbers and their per-replica
// sequencer.
//
// A CSN is the tuple (timestamp, sequence, replica ID, sub-sequence) and
// totally orders every mutation in a replication topology. The canonical
// string form is four fixed-width hex fields, 20 characters total:
//
//	ttttttttssssrrrruuuu
//
// where t is seconds since the Unix epoch, s the intra-second sequence,
// r the replica ID and u the sub-sequence used by multi-valued internal
// operations. Comparison order is timestamp, sequence, replica ID,
// sub-sequence; no two distinct CSNs compare equal.
package csn

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// CSN is an immutable change sequence number.
type CSN struct {
	TS        uint32 // seconds since Unix epoch
	Seq       uint16 // intra-second sequence counter
	ReplicaID uint16
	SubSeq    uint16
}

// Zero is the CSN lower bound; it precedes every issued CSN.
var Zero CSN

// IsZero reports whether c is the zero CSN.
func (c CSN) IsZero() bool { return c == Zero }

// String renders the canonical 20-character hex form.
func (c CSN) String() string {
	return fmt.Sprintf("%08x%04x%04x%04x", c.TS, c.Seq, c.ReplicaID, c.SubSeq)
}

// Parse decodes the canonical 20-character hex form.
func Parse(s string) (CSN, error) {
	if len(s) != 20 {
		return Zero, fmt.Errorf("csn: bad length %d for %q", len(s), s)
	}
	ts, err := strconv.ParseUint(s[0:8], 16, 32)
	if err != nil {
		return Zero, fmt.Errorf("csn: bad timestamp in %q: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[8:12], 16, 16)
	if err != nil {
		return Zero, fmt.Errorf("csn: bad sequence in %q: %w", s, err)
	}
	rid, err := strconv.ParseUint(s[12:16], 16, 16)
	if err != nil {
		return Zero, fmt.Errorf("csn: bad replica ID in %q: %w", s, err)
	}
	sub, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return Zero, fmt.Errorf("csn: bad sub-sequence in %q: %w", s, err)
	}
	return CSN{TS: uint32(ts), Seq: uint16(seq), ReplicaID: uint16(rid), SubSeq: uint16(sub)}, nil
}

// Compare returns -1, 0 or 1 ordering c against other.
func (c CSN) Compare(other CSN) int {
	switch {
	case c.TS != other.TS:
		return cmp(uint64(c.TS), uint64(other.TS))
	case c.Seq != other.Seq:
		return cmp(uint64(c.Seq), uint64(other.Seq))
	case c.ReplicaID != other.ReplicaID:
		return cmp(uint64(c.ReplicaID), uint64(other.ReplicaID))
	default:
		return cmp(uint64(c.SubSeq), uint64(other.SubSeq))
	}
}

// Less reports whether c orders strictly before other.
func (c CSN) Less(other CSN) bool { return c.Compare(other) < 0 }

func cmp(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Sequencer issues strictly increasing CSNs for one replica ID. It remains
// monotonic under clock skew: when the wall clock has not advanced past the
// timestamp of the last issued CSN, the sequence counter is bumped instead.
type Sequencer struct {
	mu        sync.Mutex
	replicaID uint16
	now       func() time.Time

	lastTS  uint32
	lastSeq uint16
}

// NewSequencer creates a sequencer for the given replica ID.
func NewSequencer(replicaID uint16) *Sequencer {
	return &Sequencer{replicaID: replicaID, now: time.Now}
}

// ReplicaID returns the replica ID this sequencer issues for.
func (s *Sequencer) ReplicaID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicaID
}

// SetReplicaID rebinds the sequencer to a new replica ID. Used when a
// replica receives its administrative ID after the instance started.
func (s *Sequencer) SetReplicaID(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaID = id
}

// Next issues the next CSN. Successive calls return strictly increasing
// CSNs even if the wall clock stalls or regresses.
func (s *Sequencer) Next() CSN {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := uint32(s.now().Unix())
	switch {
	case ts > s.lastTS:
		s.lastTS = ts
		s.lastSeq = 0
	case s.lastSeq == 0xffff:
		// Sequence exhausted within one second; borrow from the future.
		s.lastTS++
		s.lastSeq = 0
	default:
		s.lastSeq++
	}

	return CSN{TS: s.lastTS, Seq: s.lastSeq, ReplicaID: s.replicaID}
}

// Observe advances the sequencer past a CSN seen from another replica, so
// locally issued CSNs stay ahead of replayed remote changes applied here.
func (s *Sequencer) Observe(c CSN) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.TS > s.lastTS || (c.TS == s.lastTS && c.Seq > s.lastSeq) {
		s.lastTS = c.TS
		s.lastSeq = c.Seq
	}
}
