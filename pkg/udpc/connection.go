package udpc

import (
	"container/list"
	"crypto/ed25519"
	"time"
)

// ConnState is the connection's lifecycle state.
type ConnState int

const (
	StateInitiating ConnState = iota
	StateHandshaking
	StateEstablished
	StateDisconnectPending
)

func (s ConnState) String() string {
	switch s {
	case StateInitiating:
		return "Initiating"
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	case StateDisconnectPending:
		return "DisconnectPending"
	default:
		return "Unknown"
	}
}

// Timing constants.
const (
	initInterval          = 5 * time.Second
	goodSendInterval      = 33333 * time.Microsecond
	badSendInterval       = 100 * time.Millisecond
	heartbeatInterval     = 150 * time.Millisecond
	inactivityTimeout     = 10 * time.Second
	resendAge             = 1 * time.Second
	badRTTThreshold       = 250 * time.Millisecond
	defaultToggleThresh   = 30 * time.Second
	maxToggleThreshold    = 60 * time.Second
	minToggleThreshold    = 1 * time.Second
	flipObservationWindow = 10 * time.Second
	sentHistoryMax        = 33
)

// ConnectionStats are read-only counters a test harness or the prometheus
// collectors in pkg/udpc/metrics can surface.
type ConnectionStats struct {
	Received         uint64
	Sent             uint64
	Resent           uint64
	DroppedDuplicate uint64
	DroppedMalformed uint64
}

// sentRecord is one entry of the sent-packet history: a bounded deque of the
// last 33 outbound packets, keyed by seq for O(1) RTT and resend lookup.
// Unchecked/heartbeat sends store no payload so they never re-queue.
type sentRecord struct {
	seq          uint32
	sentAt       time.Time
	payload      []byte
	checked      bool
	skipResend   bool
	resendQueued bool
}

// sentHistory is a bounded deque plus a companion seq-keyed map; their
// sizes differ only transiently during eviction.
type sentHistory struct {
	order list.List
	bySeq map[uint32]*sentRecord
}

func newSentHistory() *sentHistory {
	return &sentHistory{bySeq: make(map[uint32]*sentRecord)}
}

func (h *sentHistory) record(rec *sentRecord) {
	if _, ok := h.bySeq[rec.seq]; ok {
		return
	}
	h.bySeq[rec.seq] = rec
	h.order.PushBack(rec.seq)
	for h.order.Len() > sentHistoryMax {
		e := h.order.Front()
		h.order.Remove(e)
		delete(h.bySeq, e.Value.(uint32))
	}
}

func (h *sentHistory) get(seq uint32) (*sentRecord, bool) {
	r, ok := h.bySeq[seq]
	return r, ok
}

func (h *sentHistory) size() int { return len(h.bySeq) }

// ConnectionState is the per-peer state machine: handshake progress,
// sequence/ack bookkeeping, RTT estimate, pacing mode, and send queues.
type ConnectionState struct {
	identity ConnectionId

	id    uint32 // 28-bit, server-assigned
	idSet bool

	lseq uint32
	rseq uint32
	ack  uint32

	state ConnState

	// pacing
	goodMode        bool
	goodRTT         bool
	toggleThreshold time.Duration
	toggledAt       time.Time
	lastFlipAt      time.Time

	initiating   bool
	keyInitError bool
	authEnabled  bool
	peerPKLocked bool

	history *sentHistory

	pendingSend    []pendingPayload
	priorityResend []pendingPayload

	receivedAt time.Time
	sentAt     time.Time
	createdAt  time.Time

	rtt time.Duration

	sk           ed25519.PrivateKey
	pk           ed25519.PublicKey
	peerPK       ed25519.PublicKey
	verifyMsg    []byte // held only during handshake (client side)

	stats ConnectionStats
}

// newInitiatingConnection builds client-side state for a connection that
// has just requested a handshake.
func newInitiatingConnection(identity ConnectionId, authEnabled bool, sk ed25519.PrivateKey, pk ed25519.PublicKey, now time.Time) *ConnectionState {
	return &ConnectionState{
		identity:        identity,
		lseq:            1, // lseq starts at 1 so the server can use 0 as "unassigned"
		state:           StateInitiating,
		initiating:      true,
		goodMode:        true,
		goodRTT:         true,
		toggleThreshold: defaultToggleThresh,
		authEnabled:     authEnabled,
		history:         newSentHistory(),
		createdAt:       now,
		receivedAt:      now,
		sentAt:          time.Time{},
		sk:              sk,
		pk:              pk,
	}
}

// newHandshakingConnection builds server-side state created upon receiving
// a connect packet.
func newHandshakingConnection(identity ConnectionId, id uint32, authEnabled bool, sk ed25519.PrivateKey, pk ed25519.PublicKey, now time.Time) *ConnectionState {
	return &ConnectionState{
		identity:        identity,
		id:              id,
		idSet:           true,
		lseq:            1,
		state:           StateHandshaking,
		goodMode:        true,
		goodRTT:         true,
		toggleThreshold: defaultToggleThresh,
		authEnabled:     authEnabled,
		history:         newSentHistory(),
		createdAt:       now,
		receivedAt:      now,
		sk:              sk,
		pk:              pk,
	}
}

// Identity returns the peer's identity.
func (cs *ConnectionState) Identity() ConnectionId { return cs.identity }

// State returns the current lifecycle state.
func (cs *ConnectionState) State() ConnState { return cs.state }

// Stats returns a snapshot of the connection's counters.
func (cs *ConnectionState) Stats() ConnectionStats { return cs.stats }

// RTT returns the current EWMA round-trip-time estimate.
func (cs *ConnectionState) RTT() time.Duration { return cs.rtt }

// markEstablished transitions to Established and resets pacing bookkeeping.
func (cs *ConnectionState) markEstablished(now time.Time) {
	cs.state = StateEstablished
	cs.initiating = false
	cs.toggledAt = now
	cs.lastFlipAt = time.Time{}
}

// ackBitForOffset returns the bit for offset k (0 = MSB = rseq itself).
func ackBitForOffset(k uint32) uint32 {
	return 1 << (31 - k)
}

// updateAckWindow applies an incoming seq to the ack bitfield. It
// returns (duplicate, outOfOrder); duplicate means the packet must be
// dropped without further processing.
func (cs *ConnectionState) updateAckWindow(s uint32) (duplicate, outOfOrder bool) {
	diff := int32(s - cs.rseq)
	switch {
	case diff > 0:
		shift := uint32(diff)
		if shift >= 32 {
			cs.ack = ackBitForOffset(0)
		} else {
			cs.ack = (cs.ack >> shift) | ackBitForOffset(0)
		}
		cs.rseq = s
		return false, false
	case diff == 0:
		return true, false
	default:
		k := uint32(-diff)
		if k > 31 {
			return true, false
		}
		bit := ackBitForOffset(k)
		if cs.ack&bit != 0 {
			return true, false
		}
		cs.ack |= bit
		return false, true
	}
}

// updateRTT applies the EWMA step for an accepted datagram whose
// rseq references a seq we have a sent-timestamp for.
func (cs *ConnectionState) updateRTT(now time.Time, sentAt time.Time) {
	diff := now.Sub(sentAt)
	if diff < 0 {
		diff = 0
	}
	if cs.rtt == 0 {
		cs.rtt = diff
	} else if diff > cs.rtt {
		cs.rtt += (diff - cs.rtt) / 10
	} else {
		cs.rtt -= (cs.rtt - diff) / 10
	}
	cs.goodRTT = cs.rtt <= badRTTThreshold
}

// updatePacingMode applies the good/bad mode switching rules, returning
// the EventType to emit and whether a transition occurred.
func (cs *ConnectionState) updatePacingMode(now time.Time) (EventType, bool) {
	switch {
	case cs.goodMode && !cs.goodRTT:
		cs.goodMode = false
		if !cs.lastFlipAt.IsZero() && now.Sub(cs.lastFlipAt) < flipObservationWindow {
			cs.toggleThreshold *= 2
			if cs.toggleThreshold > maxToggleThreshold {
				cs.toggleThreshold = maxToggleThreshold
			}
		}
		cs.lastFlipAt = now
		cs.toggledAt = now
		return EventBadMode, true

	case cs.goodMode && cs.goodRTT:
		if !cs.toggledAt.IsZero() && now.Sub(cs.toggledAt) >= flipObservationWindow {
			cs.toggleThreshold /= 2
			if cs.toggleThreshold < minToggleThreshold {
				cs.toggleThreshold = minToggleThreshold
			}
			cs.toggledAt = now
		}
		return 0, false

	case !cs.goodMode && cs.goodRTT:
		if now.Sub(cs.toggledAt) >= cs.toggleThreshold {
			cs.goodMode = true
			cs.lastFlipAt = now
			cs.toggledAt = now
			return EventGoodMode, true
		}
		return 0, false

	default: // bad mode, bad rtt
		cs.toggledAt = now
		return 0, false
	}
}

// sendInterval is the pacing interval for the current mode.
func (cs *ConnectionState) sendInterval() time.Duration {
	if cs.goodMode {
		return goodSendInterval
	}
	return badSendInterval
}

// dueToSend reports whether enough time has passed since the last send to
// emit the next paced packet.
func (cs *ConnectionState) dueToSend(now time.Time) bool {
	if cs.sentAt.IsZero() {
		return true
	}
	return now.Sub(cs.sentAt) >= cs.sendInterval()
}

// needsHeartbeat reports whether a header-only keepalive is due: no payload
// pending, and 150ms have elapsed since the last send.
func (cs *ConnectionState) needsHeartbeat(now time.Time) bool {
	if len(cs.priorityResend) != 0 || len(cs.pendingSend) != 0 {
		return false
	}
	if cs.sentAt.IsZero() {
		return false
	}
	return now.Sub(cs.sentAt) >= heartbeatInterval
}

// inactive reports whether the peer has been silent long enough to time out.
func (cs *ConnectionState) inactive(now time.Time) bool {
	return now.Sub(cs.receivedAt) >= inactivityTimeout
}

// enqueuePending appends a user payload to the bounded pending-send queue.
// Returns false (and drops nothing itself — the caller logs and leaves the
// entry in the user-send queue for a later tick) if the queue is already at
// its bound.
func (cs *ConnectionState) enqueuePending(checked bool, data []byte) bool {
	if len(cs.pendingSend) >= maxPendingSend {
		return false
	}
	cs.pendingSend = append(cs.pendingSend, pendingPayload{Checked: checked, Data: data})
	return true
}

// queuedSize reports the current pending-send queue depth.
func (cs *ConnectionState) queuedSize() int { return len(cs.pendingSend) }

// nextOutboundPayload selects the payload for this tick's send, preferring
// the priority-resend queue over the pending queue.
func (cs *ConnectionState) nextOutboundPayload() (pendingPayload, bool, bool) {
	if len(cs.priorityResend) > 0 {
		p := cs.priorityResend[0]
		cs.priorityResend = cs.priorityResend[1:]
		return p, true, true
	}
	if len(cs.pendingSend) > 0 {
		p := cs.pendingSend[0]
		cs.pendingSend = cs.pendingSend[1:]
		return p, true, false
	}
	return pendingPayload{}, false, false
}

// recordSent appends a sent-history entry for seq, marking it non-resendable
// when it carries no checked payload.
func (cs *ConnectionState) recordSent(seq uint32, now time.Time, payload []byte, checked, skipResend bool) {
	cs.history.record(&sentRecord{
		seq:        seq,
		sentAt:     now,
		payload:    payload,
		checked:    checked,
		skipResend: skipResend,
	})
	cs.sentAt = now
	cs.stats.Sent++
}

// detectLoss walks the peer-reported ack bitfield (from an incoming
// packet's RSeq/Ack fields) and moves any checked, aged-out, not-yet-resent
// payload into the priority-resend queue.
func (cs *ConnectionState) detectLoss(peerRSeq, peerAck uint32, now time.Time) {
	for k := uint32(0); k < 32; k++ {
		if peerAck&ackBitForOffset(k) != 0 {
			continue // received
		}
		seq := peerRSeq - k
		rec, ok := cs.history.get(seq)
		if !ok || rec.skipResend || rec.resendQueued || !rec.checked {
			continue
		}
		if now.Sub(rec.sentAt) <= resendAge {
			continue
		}
		rec.resendQueued = true
		cs.priorityResend = append(cs.priorityResend, pendingPayload{Checked: true, Data: rec.payload})
	}
}
