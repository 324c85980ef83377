// Package mqttcodec serialises and parses MQTT 5 control packets over
// a single growable transaction buffer, tracking in-flight QoS 1
// publishes, topic aliases, and keep-alive timing.
package mqttcodec

import "errors"

// fragFlags is the per-fragment bitset.
type fragFlags uint8

const (
	flagHead      fragFlags = 1 << iota // first fragment of one MQTT packet
	flagTail                            // last fragment of one MQTT packet
	flagExternal                        // Data points outside the arena's own buffer
	flagGC                              // reclaimable now
	flagGCOnSend                        // reclaimable once fully sent (QoS 0 publish, PUBACK, ...)
)

// ownership governs who frees Data when a fragment carrying caller
// payload bytes is reclaimed.
type ownership uint8

const (
	ownedCopy         ownership = iota // bytes were memcpy'd into the arena's own buffer
	ownedExternal                      // caller's bytes, released via freeFn on reclaim
	callerResponsible                  // caller's bytes, never touched
)

// inlineMax is the payload size under which Append copies bytes into
// the arena's own buffer rather than referencing the caller's slice.
const inlineMax = 128

// Fragment describes one contiguous run of bytes belonging to one
// outbound MQTT packet (a packet may span several fragments, e.g.
// fixed header + variable header + a large external payload).
type Fragment struct {
	Data      []byte
	Sent      uint32 // bytes already handed to WsClient
	PacketID  uint16
	Flags     fragFlags
	ownership ownership
	freeFn    func([]byte)
	SentAt    int64 // monotonic seconds of last full send, 0 if unsent
}

func (f *Fragment) done() bool { return int(f.Sent) >= len(f.Data) }

// Arena is the single growable transaction buffer: a byte region for
// copied small payloads plus the fragment chain describing every
// pending or in-flight outbound packet. Growth is capped at maxBytes;
// exceeding it is a permanent MsgTooBig rather than a blocking retry.
type Arena struct {
	buf      []byte // backing store for copied (non-external) fragment data
	used     int
	maxBytes int

	frags []*Fragment
}

// ErrMsgTooBig is returned when a fragment cannot be appended even
// after garbage collection and growth.
var ErrMsgTooBig = errors.New("mqttcodec: message too big for arena")

// NewArena allocates an arena with the given initial capacity,
// growable by x1.25 up to maxBytes.
func NewArena(initial, maxBytes int) *Arena {
	return &Arena{buf: make([]byte, 0, initial), maxBytes: maxBytes}
}

// snapshot captures enough of the arena's state to undo a transaction.
type snapshot struct {
	used     int
	fragLen  int
}

// Begin starts a transaction: generators built between Begin and
// Commit/Rollback are the unit that gets undone together on failure
// (e.g. a CONNECT whose payload assembly fails partway through).
func (a *Arena) Begin() snapshot {
	return snapshot{used: a.used, fragLen: len(a.frags)}
}

// Commit is a no-op placeholder for symmetry with Begin/Rollback; the
// arena has no separate lock to release here since callers serialise
// access to Arena themselves (mirrors the header_buffer_lock pattern
// one level up, in session.Session).
func (a *Arena) Commit(snapshot) {}

// Rollback undoes every Append since the matching Begin, releasing
// any externally-owned bytes that were adopted mid-transaction.
func (a *Arena) Rollback(snap snapshot) {
	for _, f := range a.frags[snap.fragLen:] {
		if f.ownership == ownedExternal && f.freeFn != nil {
			f.freeFn(f.Data)
		}
	}
	a.frags = a.frags[:snap.fragLen]
	a.used = snap.used
}

// Append adds one fragment. Payloads at or under inlineMax are copied
// into the arena's own buffer; larger payloads are referenced
// directly (flagExternal) to avoid copying, per the size-based policy
// in the transport spec's Fragment arena design. freeFn, when non-nil,
// is called exactly once on reclaim; nil with owned=true means the
// caller promises the bytes outlive the fragment (CALLER_RESPONSIBILITY).
func (a *Arena) Append(data []byte, flags fragFlags, packetID uint16, owned bool, freeFn func([]byte)) (*Fragment, error) {
	f := &Fragment{PacketID: packetID, Flags: flags}
	if len(data) <= inlineMax {
		if !a.grow(len(data)) {
			return nil, ErrMsgTooBig
		}
		start := len(a.buf)
		a.buf = append(a.buf, data...)
		f.Data = a.buf[start : start+len(data)]
		f.ownership = ownedCopy
		a.used += len(data)
	} else {
		f.Data = data
		f.Flags |= flagExternal
		switch {
		case freeFn != nil:
			f.ownership = ownedExternal
			f.freeFn = freeFn
		case owned:
			f.ownership = callerResponsible
		default:
			// No ownership given for a payload too big to copy: copy
			// anyway rather than risk a dangling reference.
			if !a.grow(len(data)) {
				return nil, ErrMsgTooBig
			}
			start := len(a.buf)
			a.buf = append(a.buf, data...)
			f.Data = a.buf[start : start+len(data)]
			f.ownership = ownedCopy
			f.Flags &^= flagExternal
			a.used += len(data)
		}
	}
	a.frags = append(a.frags, f)
	return f, nil
}

func (a *Arena) grow(n int) bool {
	if cap(a.buf)-len(a.buf) >= n {
		return true
	}
	need := len(a.buf) + n
	newCap := cap(a.buf)
	if newCap == 0 {
		newCap = 1
	}
	for newCap < need {
		grown := newCap*5/4 + 1
		if grown > a.maxBytes {
			grown = a.maxBytes
		}
		if grown <= newCap {
			return false // hit the cap without reaching need
		}
		newCap = grown
	}
	grown := make([]byte, len(a.buf), newCap)
	copy(grown, a.buf)
	a.buf = grown
	return true
}

// GC walks the fragment chain from the head, reclaiming every
// fragment marked flagGC, or flagGCOnSend once fully sent, and
// compacts the backing buffer by copying only the surviving
// non-external fragments' bytes down to the base — external bytes
// live outside a.buf and need no moving. Returns the number of
// fragments reclaimed.
func (a *Arena) GC() int {
	kept := a.frags[:0]
	reclaimed := 0
	var newBuf []byte
	if cap(a.buf) > 0 {
		newBuf = make([]byte, 0, cap(a.buf))
	}
	for _, f := range a.frags {
		reclaim := f.Flags&flagGC != 0 || (f.Flags&flagGCOnSend != 0 && f.done())
		if reclaim {
			if f.ownership == ownedExternal && f.freeFn != nil {
				f.freeFn(f.Data)
			}
			reclaimed++
			continue
		}
		if f.ownership == ownedCopy {
			start := len(newBuf)
			newBuf = append(newBuf, f.Data...)
			f.Data = newBuf[start : start+len(f.Data)]
		}
		kept = append(kept, f)
	}
	a.frags = kept
	if newBuf != nil {
		a.buf = newBuf
		a.used = len(newBuf)
	}
	return reclaimed
}

// ShouldCompact reports whether reclaimable fragments have crossed the
// 25%-of-used threshold the spec calls out for triggering compaction.
func (a *Arena) ShouldCompact() bool {
	if a.used == 0 {
		return false
	}
	reclaimable := 0
	for _, f := range a.frags {
		if f.Flags&flagGC != 0 || (f.Flags&flagGCOnSend != 0 && f.done()) {
			reclaimable += len(f.Data)
		}
	}
	return reclaimable*4 >= a.used
}

// Fragments exposes the live fragment chain in send order.
func (a *Arena) Fragments() []*Fragment { return a.frags }

// BytesUsed returns how many bytes of the arena's own backing buffer
// are currently occupied by copied (non-external) fragment data.
func (a *Arena) BytesUsed() int { return a.used }

// MarkChainGC marks every fragment belonging to packetID (matched on
// the flagHead fragment, then its immediate successors up to and
// including flagTail) as reclaimable.
func (a *Arena) MarkChainGC(packetID uint16) bool {
	found := false
	inChain := false
	for _, f := range a.frags {
		if f.Flags&flagHead != 0 {
			inChain = f.PacketID == packetID && f.Sent > 0
			if inChain {
				found = true
			}
		}
		if inChain {
			f.Flags |= flagGC
		}
		if f.Flags&flagTail != 0 {
			inChain = false
		}
	}
	return found
}
