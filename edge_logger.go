package camsync

// Input-edge logging on the controller. Sampling must be cheap enough to run
// every pass of the cooperative loop, and buffering must never block: edges
// are held in a fixed-capacity ring and drained over serial only during idle
// windows.
//
// Overflow policy: drop-oldest. When the ring is full the oldest unsent
// record is discarded to admit the new one, and the discard is counted. The
// newest edges are the ones a live host can still react to, and the final
// dropped count makes the loss visible instead of silent.

// InputEdgeSource detects transitions on monitored pins and appends them to
// an EdgeLog. The shipped implementation polls and diffs pin state each call;
// a hardware-interrupt implementation satisfies the same interface by
// appending from its ISR ring instead.
type InputEdgeSource interface {
	Poll(elapsedUS uint32, cycle uint32, log *EdgeLog)
}

// PolledEdgeSource samples each monitored pin and records any difference
// from its last known state. Transitions faster than the polling cadence
// collapse to the net change, which is the documented limit of polling mode.
type PolledEdgeSource struct {
	pins []uint16
	last []bool
	bank PinBank
}

// NewPolledEdgeSource captures the initial state of every monitored pin so
// the first poll reports only genuine transitions.
func NewPolledEdgeSource(bank PinBank, pins []uint16) *PolledEdgeSource {
	s := &PolledEdgeSource{
		pins: pins,
		last: make([]bool, len(pins)),
		bank: bank,
	}
	for i, p := range pins {
		s.last[i] = bank.Get(p)
	}
	return s
}

// Poll diffs every monitored pin against its last recorded state.
func (s *PolledEdgeSource) Poll(elapsedUS uint32, cycle uint32, log *EdgeLog) {
	for i, p := range s.pins {
		cur := s.bank.Get(p)
		if cur == s.last[i] {
			continue
		}
		s.last[i] = cur
		var state uint8
		if cur {
			state = 1
		}
		log.Append(EdgeRecord{Pin: p, State: state, TimeUS: elapsedUS, Cycle: cycle})
	}
}

// EdgeLog is a fixed-capacity ring of edge records. It is not safe for
// concurrent use: on the controller a single loop both appends and drains.
type EdgeLog struct {
	buf     []EdgeRecord
	head    int // index of the oldest record
	n       int
	dropped uint64
}

// NewEdgeLog returns a ring holding up to capacity records.
func NewEdgeLog(capacity int) *EdgeLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EdgeLog{buf: make([]EdgeRecord, capacity)}
}

// Append stores r, discarding the oldest record if the ring is full.
func (l *EdgeLog) Append(r EdgeRecord) {
	if l.n == len(l.buf) {
		l.head = (l.head + 1) % len(l.buf)
		l.n--
		l.dropped++
	}
	l.buf[(l.head+l.n)%len(l.buf)] = r
	l.n++
}

// Pop removes and returns the oldest record.
func (l *EdgeLog) Pop() (EdgeRecord, bool) {
	if l.n == 0 {
		return EdgeRecord{}, false
	}
	r := l.buf[l.head]
	l.head = (l.head + 1) % len(l.buf)
	l.n--
	return r, true
}

// Len is the number of buffered records.
func (l *EdgeLog) Len() int { return l.n }

// Dropped is the number of records discarded by the overflow policy.
func (l *EdgeLog) Dropped() uint64 { return l.dropped }
