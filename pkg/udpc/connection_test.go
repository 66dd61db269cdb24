package udpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestConn() *ConnectionState {
	cs := newInitiatingConnection(ConnectionId{}, false, nil, nil, time.Now())
	cs.markEstablished(time.Now())
	return cs
}

func TestAckWindow_NewerSeqShiftsAndSetsMSB(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 10
	cs.ack = 0

	dup, ooo := cs.updateAckWindow(11)
	require.False(t, dup)
	require.False(t, ooo)
	require.Equal(t, uint32(11), cs.rseq)
	require.Equal(t, ackBitForOffset(0), cs.ack)
}

func TestAckWindow_Wraparound(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 0xFFFFFFFE
	cs.ack = ackBitForOffset(0)

	dup, _ := cs.updateAckWindow(2)
	require.False(t, dup)
	require.Equal(t, uint32(2), cs.rseq)
	// shift of 4: old MSB (offset 0) now sits at offset 4, new MSB set for offset 0.
	require.Equal(t, ackBitForOffset(0)|ackBitForOffset(4), cs.ack)
}

func TestAckWindow_OldestValidOffsetSetsLowestBit(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 100
	cs.ack = 0

	dup, ooo := cs.updateAckWindow(100 - 31)
	require.False(t, dup)
	require.True(t, ooo)
	require.Equal(t, ackBitForOffset(31), cs.ack)
}

func TestAckWindow_TooOldDropped(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 100
	cs.ack = 0

	dup, _ := cs.updateAckWindow(100 - 32)
	require.True(t, dup)
	require.Equal(t, uint32(0), cs.ack)
}

func TestAckWindow_DuplicateSameSeq(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 50
	cs.ack = ackBitForOffset(0)

	dup, _ := cs.updateAckWindow(50)
	require.True(t, dup)
}

func TestAckWindow_DuplicateAlreadySetBit(t *testing.T) {
	cs := newTestConn()
	cs.rseq = 50
	cs.ack = ackBitForOffset(0) | ackBitForOffset(3)

	dup, _ := cs.updateAckWindow(47)
	require.True(t, dup)
}

func TestRTT_EWMA(t *testing.T) {
	cs := newTestConn()
	now := time.Now()

	cs.updateRTT(now.Add(100*time.Millisecond), now)
	require.Equal(t, 100*time.Millisecond, cs.rtt)

	// Next sample is larger: rtt += (diff-rtt)/10
	cs.updateRTT(now.Add(2*time.Second), now.Add(time.Second))
	require.Greater(t, cs.rtt, 100*time.Millisecond)
	require.True(t, cs.goodRTT == (cs.rtt <= badRTTThreshold))
}

func TestRTT_GoodRTTFlag(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.updateRTT(now.Add(10*time.Millisecond), now)
	require.True(t, cs.goodRTT)

	for i := 0; i < 50; i++ {
		cs.updateRTT(now.Add(500*time.Millisecond), now)
	}
	require.False(t, cs.goodRTT)
}

func TestPacingMode_GoodToBadDoublesThresholdOnRapidFlip(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.toggledAt = now
	cs.goodRTT = false

	evt, changed := cs.updatePacingMode(now)
	require.True(t, changed)
	require.Equal(t, EventBadMode, evt)
	require.False(t, cs.goodMode)
	require.Equal(t, defaultToggleThresh, cs.toggleThreshold)

	// Flip back to good immediately, then bad again within the 10s window: doubles.
	cs.goodMode = true
	cs.goodRTT = false
	evt, changed = cs.updatePacingMode(now.Add(2 * time.Second))
	require.True(t, changed)
	require.Equal(t, EventBadMode, evt)
	require.Equal(t, 2*defaultToggleThresh, cs.toggleThreshold)
}

func TestPacingMode_DoublingCapsAt60s(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.toggleThreshold = maxToggleThreshold
	cs.lastFlipAt = now
	cs.goodRTT = false
	cs.goodMode = true

	_, _ = cs.updatePacingMode(now.Add(time.Second))
	require.LessOrEqual(t, cs.toggleThreshold, maxToggleThreshold)
}

func TestPacingMode_BadToGoodAfterThresholdElapsed(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.goodMode = false
	cs.goodRTT = true
	cs.toggleThreshold = 5 * time.Second
	cs.toggledAt = now

	evt, changed := cs.updatePacingMode(now.Add(4 * time.Second))
	require.False(t, changed)
	_ = evt

	evt, changed = cs.updatePacingMode(now.Add(5 * time.Second))
	require.True(t, changed)
	require.Equal(t, EventGoodMode, evt)
	require.True(t, cs.goodMode)
}

func TestPacingMode_HalvesThresholdFloorsAt1s(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.goodMode = true
	cs.goodRTT = true
	cs.toggleThreshold = minToggleThreshold
	cs.toggledAt = now

	cs.updatePacingMode(now.Add(flipObservationWindow))
	require.Equal(t, minToggleThreshold, cs.toggleThreshold)
}

func TestSentHistory_BoundedAt33(t *testing.T) {
	h := newSentHistory()
	now := time.Now()
	for i := uint32(0); i < 50; i++ {
		h.record(&sentRecord{seq: i, sentAt: now})
	}
	require.Equal(t, sentHistoryMax, h.size())
	_, ok := h.get(0)
	require.False(t, ok, "oldest entries must be evicted")
	_, ok = h.get(49)
	require.True(t, ok)
}

func TestDetectLoss_MovesAgedCheckedPacketToPriorityQueue(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.recordSent(5, now.Add(-2*time.Second), []byte("payload-5"), true, false)
	cs.rseq = 5

	// Peer's ack bitfield has bit for offset 0 (seq 5) cleared -> lost.
	cs.detectLoss(5, 0, now)

	require.Len(t, cs.priorityResend, 1)
	require.Equal(t, []byte("payload-5"), cs.priorityResend[0].Data)
}

func TestDetectLoss_SkipsUncheckedAndHeartbeat(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.recordSent(5, now.Add(-2*time.Second), nil, false, false)
	cs.recordSent(6, now.Add(-2*time.Second), nil, false, true)

	cs.detectLoss(6, 0, now)
	require.Empty(t, cs.priorityResend)
}

func TestDetectLoss_SkipsTooRecent(t *testing.T) {
	cs := newTestConn()
	now := time.Now()
	cs.recordSent(5, now.Add(-100*time.Millisecond), []byte("x"), true, false)

	cs.detectLoss(5, 0, now)
	require.Empty(t, cs.priorityResend)
}

func TestPendingSendQueue_Bounded(t *testing.T) {
	cs := newTestConn()
	for i := 0; i < maxPendingSend; i++ {
		require.True(t, cs.enqueuePending(true, []byte{byte(i)}))
	}
	require.False(t, cs.enqueuePending(true, []byte("overflow")))
	require.Equal(t, maxPendingSend, cs.queuedSize())
}

func TestNextOutboundPayload_PrefersPriorityQueue(t *testing.T) {
	cs := newTestConn()
	cs.enqueuePending(true, []byte("pending"))
	cs.priorityResend = append(cs.priorityResend, pendingPayload{Checked: true, Data: []byte("resend")})

	p, ok, isResend := cs.nextOutboundPayload()
	require.True(t, ok)
	require.True(t, isResend)
	require.Equal(t, []byte("resend"), p.Data)
}
