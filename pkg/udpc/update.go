package udpc

import (
	"crypto/ed25519"
	"crypto/subtle"
	"time"
)

// Update performs one tick: drain intents, age out timed-out connections,
// promote queued user sends into matching connections, drive each
// connection's handshake/pacing/send decision, flush staged deletions, and
// perform the single non-blocking receive for this tick. It is a no-op
// when a threaded worker is already driving the Context.
func (c *Context) Update() {
	if !c.verifyContext() {
		return
	}
	c.threadedMu.Lock()
	threaded := c.threaded
	c.threadedMu.Unlock()
	if threaded {
		return
	}
	c.tick()
}

// tick is the worker-and-Update shared body.
func (c *Context) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	c.drainIntents(now)
	c.checkTimeouts(now)
	c.promoteUserSends()
	c.tickConnections(now)
	c.flushDeletions(now)
	c.receiveOne(now)
}

func (c *Context) drainIntents(now time.Time) {
	for {
		intent, ok := c.queues.intents.PopFront()
		if !ok {
			break
		}
		switch intent.Kind {
		case IntentConnect, IntentConnectPinned:
			if _, exists := c.registry.get(intent.Peer); exists {
				c.emit(LogVerbose, "ignoring connect intent for already-registered peer", "peer", intent.Peer)
				continue
			}
			authEnabled := intent.WantAuth && c.authEnabled
			var sk ed25519.PrivateKey
			var pk ed25519.PublicKey
			var keyErr error
			if authEnabled {
				sk, pk, keyErr = c.connectionKeys()
			}
			cs := newInitiatingConnection(intent.Peer, authEnabled, sk, pk, now)
			if keyErr != nil {
				cs.keyInitError = true
				c.emit(LogError, "failed to generate connection keypair", "peer", intent.Peer, "err", keyErr)
			}
			if intent.Kind == IntentConnectPinned {
				cs.peerPKLocked = true
				cs.peerPK = append(ed25519.PublicKey(nil), intent.PinnedPeerPK[:]...)
			}
			c.registry.insert(intent.Peer, cs)
			c.emit(LogVerbose, "initiating connection", "peer", intent.Peer, "auth", authEnabled)

		case IntentDisconnect:
			c.registry.stageDelete(intent.Peer, intent.DropAllWithAddr)
		}
	}
}

func (c *Context) checkTimeouts(now time.Time) {
	for _, id := range c.registry.list() {
		cs, ok := c.registry.get(id)
		if !ok || cs.state != StateEstablished {
			continue
		}
		if cs.inactive(now) {
			c.registry.stageDelete(id, false)
		}
	}
}

// promoteUserSends moves entries from the outer user-send queue into their
// connection's bounded pending-send queue. An entry stays queued (rather
// than being dropped) whenever its connection exists but has not yet
// reached Established.
func (c *Context) promoteUserSends() {
	c.queues.userSend.ProcessInPlace(func(intent UserSendIntent) bool {
		cs, ok := c.registry.get(intent.Peer)
		if !ok {
			c.warnOnce(c.warnedNoTarget, intent.Peer, "dropping queued send: no such connection", ErrNoSuchConnection)
			return true
		}
		if cs.state != StateEstablished {
			return false
		}
		if !cs.enqueuePending(intent.Checked, intent.Data) {
			c.warnOnce(c.warnedQueueFull, intent.Peer, "per-connection send queue full", ErrQueueFull)
			return false
		}
		delete(c.warnedQueueFull, intent.Peer)
		return true
	})
}

func (c *Context) warnOnce(set map[ConnectionId]struct{}, id ConnectionId, msg string, err error) {
	if _, already := set[id]; already {
		return
	}
	set[id] = struct{}{}
	c.emit(LogWarning, msg, "peer", id, "err", err)
}

func (c *Context) tickConnections(now time.Time) {
	for _, id := range c.registry.list() {
		if c.registry.isStagedForDelete(id) {
			continue
		}
		cs, ok := c.registry.get(id)
		if !ok {
			continue
		}
		switch cs.state {
		case StateInitiating:
			c.tickInitiating(id, cs, now)
		case StateEstablished:
			c.tickEstablished(id, cs, now)
		}
	}
}

// tickInitiating resends the client's handshake request every 5s until a
// reply is accepted.
func (c *Context) tickInitiating(id ConnectionId, cs *ConnectionState, now time.Time) {
	if cs.keyInitError {
		return
	}
	if !cs.sentAt.IsZero() && now.Sub(cs.sentAt) < initInterval {
		return
	}
	pkt := ConnectPacket{Header: Header{ProtocolID: c.protocolID.Load(), Seq: cs.lseq}}
	if cs.authEnabled {
		pkt.Type = ConnectClientAuth
		copy(pkt.PeerPK[:], cs.pk)
		msg := []byte(now.UTC().Format(time.RFC3339Nano))
		pkt.VerifyMsg = msg
		cs.verifyMsg = msg
	} else {
		pkt.Type = ConnectNoAuth
	}
	buf, err := pkt.Marshal()
	if err != nil {
		c.emit(LogError, "failed to marshal handshake request", "err", err)
		return
	}
	if _, err := c.sock.WriteTo(buf, id.UDPAddr()); err != nil {
		c.emit(LogWarning, "failed to send handshake request", "peer", id, "err", err)
		return
	}
	cs.sentAt = now
	cs.lseq++
}

func (c *Context) tickEstablished(id ConnectionId, cs *ConnectionState, now time.Time) {
	if evt, changed := cs.updatePacingMode(now); changed {
		if c.emitEvents.Load() {
			c.queues.events.Push(Event{Type: evt, Peer: id})
		}
		c.emit(LogVerbose, "pacing mode changed", "peer", id, "event", evt)
	}

	if len(cs.priorityResend) > 0 || len(cs.pendingSend) > 0 {
		if !cs.dueToSend(now) {
			return
		}
		p, ok, isResend := cs.nextOutboundPayload()
		if ok {
			c.sendDataPacket(id, cs, now, p, isResend, false)
		}
		return
	}
	if cs.needsHeartbeat(now) {
		c.sendDataPacket(id, cs, now, pendingPayload{Checked: true}, false, true)
	}
}

func (c *Context) sendDataPacket(id ConnectionId, cs *ConnectionState, now time.Time, p pendingPayload, resending, heartbeat bool) {
	h := Header{
		ProtocolID: c.protocolID.Load(),
		ConnID:     cs.id,
		Seq:        cs.lseq,
		RSeq:       cs.rseq,
		Ack:        cs.ack,
		NoRecChk:   !p.Checked,
		Resending:  resending,
	}
	dp := &DataPacket{Header: h, Signed: cs.authEnabled, Payload: p.Data}
	buf, err := dp.Marshal(func(header []byte) [64]byte {
		return c.sign.Sign(cs.sk, header)
	})
	if err != nil {
		c.emit(LogError, "failed to marshal data packet", "peer", id, "err", err)
		return
	}
	if _, err := c.sock.WriteTo(buf, id.UDPAddr()); err != nil {
		c.emit(LogWarning, "failed to send data packet", "peer", id, "err", err)
		return
	}

	skipResend := heartbeat || !p.Checked
	var stored []byte
	if p.Checked && !skipResend {
		stored = p.Data
	}
	if resending {
		cs.stats.Resent++
	}
	cs.recordSent(cs.lseq, now, stored, p.Checked, skipResend)
	cs.lseq++
}

func (c *Context) flushDeletions(now time.Time) {
	c.registry.flushDeletions(func(id ConnectionId, cs *ConnectionState) {
		if cs.state == StateDisconnectPending {
			h := Header{ProtocolID: c.protocolID.Load(), ConnID: cs.id, Seq: cs.lseq, RSeq: cs.rseq, Ack: cs.ack}
			buf := encodeDisconnect(h)
			if _, err := c.sock.WriteTo(buf, id.UDPAddr()); err != nil {
				c.emit(LogWarning, "failed to send disconnect packet", "peer", id, "err", err)
			}
		}
		if c.emitEvents.Load() {
			c.queues.events.Push(Event{Type: EventDisconnected, Peer: id})
		}
		delete(c.warnedQueueFull, id)
		delete(c.warnedNoTarget, id)
		c.emit(LogVerbose, "connection removed", "peer", id, "state", cs.state)
	})
}

func (c *Context) receiveOne(now time.Time) {
	buf := make([]byte, MaxDatagramSize)
	n, addr, ok, err := c.sock.TryReadFrom(buf)
	if err != nil {
		c.emit(LogWarning, "socket read error", "err", err)
		return
	}
	if !ok {
		return
	}
	peer := NewConnectionId(addr)
	if c.rejectV4Mapped && addr.IP.To4() != nil {
		c.emit(LogVerbose, "rejecting ipv4-mapped peer", "peer", peer)
		return
	}

	frame, err := DecodeFrame(buf[:n], c.protocolID.Load())
	if err != nil {
		c.emit(LogVerbose, "dropping malformed datagram", "peer", peer, "err", err)
		if cs, ok := c.registry.get(peer); ok {
			cs.stats.DroppedMalformed++
		}
		return
	}

	switch {
	case frame.Disconnect:
		c.handleDisconnectFrame(peer)
	case frame.Connect != nil:
		c.handleConnectFrame(peer, frame.Connect, now)
	case frame.Data != nil:
		c.handleDataFrame(peer, frame, now)
	}
}

func (c *Context) handleDisconnectFrame(peer ConnectionId) {
	if _, ok := c.registry.get(peer); !ok {
		return
	}
	c.registry.stageDelete(peer, false)
	c.emit(LogVerbose, "peer requested disconnect", "peer", peer)
}

// handleConnectFrame processes an inbound handshake datagram, acting either
// as the server accepting a new peer or the client receiving its reply.
func (c *Context) handleConnectFrame(peer ConnectionId, cp *ConnectPacket, now time.Time) {
	existing, exists := c.registry.get(peer)

	if exists && existing.initiating {
		c.handleHandshakeReply(peer, existing, cp, now)
		return
	}
	if exists && existing.state == StateEstablished {
		// The peer retransmitted its request because our reply was lost.
		// Only a server answers again; an established client ignoring stray
		// connect frames keeps two peers from ping-ponging replies forever.
		if c.role == RoleServer && cp.Type != ConnectServerAuth {
			c.sendHandshakeReply(peer, existing, cp, now)
		}
		return
	}

	if cp.Type == ConnectServerAuth {
		c.emit(LogVerbose, "dropping unsolicited handshake reply", "peer", peer)
		return
	}
	if c.role != RoleServer {
		c.emit(LogVerbose, "rejecting handshake: only a server accepts new peers", "peer", peer)
		return
	}
	if !c.acceptNew.Load() {
		c.emit(LogVerbose, "rejecting handshake: accept-new-connections disabled", "peer", peer)
		return
	}

	policy := c.GetAuthPolicy()
	wantsAuth := cp.Type == ConnectClientAuth
	if wantsAuth && !c.authEnabled && policy == AuthPolicyStrict {
		c.emit(LogWarning, "rejecting authenticated handshake: no auth configured", "peer", peer, "err", ErrAuthPolicyViolation)
		return
	}
	if !wantsAuth && c.authEnabled && policy == AuthPolicyStrict {
		c.emit(LogWarning, "rejecting unauthenticated handshake under strict policy", "peer", peer, "err", ErrAuthPolicyViolation)
		return
	}
	if wantsAuth && !c.whitelist.allows(cp.PeerPK) {
		c.emit(LogWarning, "rejecting handshake: peer key not whitelisted", "peer", peer)
		return
	}

	replyAuth := wantsAuth && c.authEnabled

	cs := existing
	if !exists {
		var sk ed25519.PrivateKey
		var pk ed25519.PublicKey
		if replyAuth {
			var err error
			sk, pk, err = c.connectionKeys()
			if err != nil {
				c.emit(LogError, "failed to generate connection keypair", "peer", peer, "err", err)
				return
			}
		}
		id := c.rng.allocateConnectionID(c.registry.idInUse)
		cs = newHandshakingConnection(peer, id, replyAuth, sk, pk, now)
		if replyAuth {
			cs.peerPK = append(ed25519.PublicKey(nil), cp.PeerPK[:]...)
		}
		c.registry.insert(peer, cs)
	}

	if !c.sendHandshakeReply(peer, cs, cp, now) {
		return
	}
	cs.receivedAt = now
	cs.markEstablished(now)
	if c.emitEvents.Load() {
		c.queues.events.Push(Event{Type: EventConnected, Peer: peer})
	}
	c.emit(LogInfo, "handshake accepted", "peer", peer, "auth", replyAuth)
}

// sendHandshakeReply marshals and sends the type-0/2 reply for cs, signing
// the client's verification message when the connection is authenticated.
func (c *Context) sendHandshakeReply(peer ConnectionId, cs *ConnectionState, cp *ConnectPacket, now time.Time) bool {
	reply := ConnectPacket{Header: Header{ProtocolID: c.protocolID.Load(), ConnID: cs.id, Seq: cs.lseq}}
	if cs.authEnabled {
		reply.Type = ConnectServerAuth
		copy(reply.PeerPK[:], cs.pk)
		reply.Signature = c.sign.Sign(cs.sk, cp.VerifyMsg)
	} else {
		reply.Type = ConnectNoAuth
	}
	buf, err := reply.Marshal()
	if err != nil {
		c.emit(LogError, "failed to marshal handshake reply", "peer", peer, "err", err)
		return false
	}
	if _, err := c.sock.WriteTo(buf, peer.UDPAddr()); err != nil {
		c.emit(LogWarning, "failed to send handshake reply", "peer", peer, "err", err)
		return false
	}
	cs.lseq++
	cs.sentAt = now
	return true
}

// handleHandshakeReply is the client side of the handshake: verify (if
// authenticated), adopt the server-assigned connection id, and establish.
func (c *Context) handleHandshakeReply(peer ConnectionId, cs *ConnectionState, cp *ConnectPacket, now time.Time) {
	if cp.Type == ConnectClientAuth {
		return // servers never send type 1
	}
	policy := c.GetAuthPolicy()
	if cs.authEnabled {
		if cp.Type == ConnectNoAuth {
			if policy == AuthPolicyStrict {
				c.emit(LogWarning, "rejecting downgraded handshake reply under strict policy", "peer", peer)
				return
			}
			cs.authEnabled = false
		} else {
			if cs.peerPKLocked && !keysEqual(cs.peerPK, cp.PeerPK) {
				c.emit(LogWarning, "rejecting handshake reply: pinned peer key mismatch", "peer", peer, "err", ErrIdentityMismatch)
				return
			}
			if !c.whitelist.allows(cp.PeerPK) {
				c.emit(LogWarning, "rejecting handshake reply: peer key not whitelisted", "peer", peer)
				return
			}
			if !c.sign.Verify(ed25519.PublicKey(cp.PeerPK[:]), cs.verifyMsg, cp.Signature) {
				c.emit(LogWarning, "rejecting handshake reply: signature verification failed", "peer", peer, "err", ErrSignatureInvalid)
				return
			}
			cs.peerPK = append(ed25519.PublicKey(nil), cp.PeerPK[:]...)
			cs.verifyMsg = nil
		}
	}
	cs.id = cp.Header.ConnID
	cs.idSet = true
	c.registry.setConnID(peer, cs.id)
	cs.receivedAt = now
	cs.markEstablished(now)
	if c.emitEvents.Load() {
		c.queues.events.Push(Event{Type: EventConnected, Peer: peer})
	}
	c.emit(LogInfo, "handshake established", "peer", peer)
}

func (c *Context) handleDataFrame(peer ConnectionId, frame *DecodedFrame, now time.Time) {
	cs, ok := c.registry.get(peer)
	if !ok {
		c.emit(LogVerbose, "dropping data packet: unknown connection", "peer", peer, "err", ErrUnknownConnection)
		return
	}
	if cs.state != StateEstablished {
		return
	}
	dp := frame.Data

	if dp.Signed {
		headerBuf := make([]byte, MinHeaderSize)
		encodeHeader(headerBuf, frame.Header)
		if !c.sign.Verify(cs.peerPK, headerBuf, dp.Signature) {
			c.emit(LogWarning, "dropping data packet: signature verification failed", "peer", peer, "err", ErrSignatureInvalid)
			cs.stats.DroppedMalformed++
			return
		}
	}

	dup, outOfOrder := cs.updateAckWindow(frame.Header.Seq)
	if dup {
		cs.stats.DroppedDuplicate++
		return
	}
	if outOfOrder {
		c.emit(LogInfo, "accepted out-of-order packet", "peer", peer, "seq", frame.Header.Seq)
	}
	cs.receivedAt = now
	cs.stats.Received++

	if rec, ok := cs.history.get(frame.Header.RSeq); ok {
		cs.updateRTT(now, rec.sentAt)
	}
	cs.detectLoss(frame.Header.RSeq, frame.Header.Ack, now)

	if len(dp.Payload) > 0 {
		c.queues.received.Push(ReceivedPacket{Peer: peer, Data: dp.Payload})
	}
}

func keysEqual(pk ed25519.PublicKey, b [32]byte) bool {
	if len(pk) != 32 {
		return false
	}
	return subtle.ConstantTimeCompare(pk, b[:]) == 1
}
