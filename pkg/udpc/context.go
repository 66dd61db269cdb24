package udpc

import (
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/reliudp/udpc/pkg/udpc/socket"
)

// Role distinguishes how a Context's socket is used; both roles use the
// same wire format and tick, a server role simply accepts inbound
// handshakes.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// AuthPolicy governs how a Context reacts to a handshake whose auth mode
// does not match its own configuration.
type AuthPolicy int

const (
	// AuthPolicyStrict rejects any handshake whose auth mode differs from
	// this Context's own.
	AuthPolicyStrict AuthPolicy = iota
	// AuthPolicyFallback silently accepts a downgraded (no-auth) handshake
	// even when this Context has authentication enabled.
	AuthPolicyFallback
)

const (
	minThreadInterval     = 4 * time.Millisecond
	maxThreadInterval     = 333 * time.Millisecond
	defaultThreadInterval = 8 * time.Millisecond
)

// Config carries the construction-time knobs for Init / InitThreaded.
type Config struct {
	// ProtocolID is included in every datagram; peers with differing
	// values never interoperate.
	ProtocolID uint32
	// AuthEnabled turns on ed25519 handshake + per-packet signing for this
	// Context's own traffic.
	AuthEnabled bool
	// RejectV4Mapped rejects IPv4-mapped peer addresses even though the
	// socket is dual-stack.
	RejectV4Mapped bool
	// Log receives every log line the core emits. A nil Log discards all
	// output.
	Log LogSink
	// Clock is swappable for tests; defaults to clockwork.NewRealClock().
	Clock clockwork.Clock
	// Signer backs handshake and per-packet signing; defaults to the
	// stdlib ed25519 wrapper, or a no-op when AuthEnabled is false.
	Signer Signer
}

// Context owns one UDP socket and drives every connection attached to it
// through a single tick, Update. See package doc for the overall model.
type Context struct {
	mu sync.Mutex

	valid atomic.Bool

	sock *socket.Socket
	clk  clockwork.Clock
	log  LogSink
	lvl  levelGate
	sign Signer

	role Role

	protocolID atomic.Uint32
	acceptNew  atomic.Bool
	emitEvents atomic.Bool
	authPolicy atomic.Int32

	rejectV4Mapped bool

	rng      *seededRNG
	registry *ConnectionRegistry
	queues   *IngressEgressQueues

	authEnabled bool
	sk          ed25519.PrivateKey
	pk          ed25519.PublicKey

	whitelist *keyWhitelist

	warnedQueueFull map[ConnectionId]struct{}
	warnedNoTarget  map[ConnectionId]struct{}

	threadedMu      sync.Mutex
	threaded        bool
	threadInterval  time.Duration
	workerStop      chan struct{}
	workerDone      chan struct{}
}

// Init opens a dual-stack IPv6 UDP socket bound to listenAddr, preparing an
// empty Context ready to have Update called on it by the caller.
func Init(listenAddr *net.UDPAddr, role Role, cfg Config) (*Context, error) {
	if cfg.AuthEnabled && cfg.Signer == nil {
		cfg.Signer = ed25519Signer{}
	}
	if !cfg.AuthEnabled && cfg.Signer == nil {
		cfg.Signer = noopSigner{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	log := cfg.Log
	if log == nil {
		log = NewSlogSink(nil)
	}

	sock, err := socket.Open(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocketCreateFailed, err)
	}

	ctx := &Context{
		sock:            sock,
		clk:             cfg.Clock,
		log:             log,
		sign:            cfg.Signer,
		role:            role,
		rejectV4Mapped:  cfg.RejectV4Mapped,
		rng:             newWallClockSeededRNG(),
		registry:        newConnectionRegistry(),
		queues:          newQueues(),
		authEnabled:     cfg.AuthEnabled,
		whitelist:       newKeyWhitelist(),
		warnedQueueFull: make(map[ConnectionId]struct{}),
		warnedNoTarget:  make(map[ConnectionId]struct{}),
		threadInterval:  defaultThreadInterval,
	}
	ctx.protocolID.Store(cfg.ProtocolID)
	ctx.acceptNew.Store(true)
	ctx.emitEvents.Store(false)
	ctx.authPolicy.Store(int32(AuthPolicyStrict))
	ctx.lvl.set(LogWarning)
	ctx.valid.Store(true)

	ctx.emit(LogInfo, "context initialized", "addr", sock.LocalAddr().String(), "role", role, "auth", cfg.AuthEnabled)
	return ctx, nil
}

// InitThreaded is Init followed by EnableThreaded(intervalMs).
func InitThreaded(listenAddr *net.UDPAddr, role Role, cfg Config, intervalMs int) (*Context, error) {
	ctx, err := Init(listenAddr, role, cfg)
	if err != nil {
		return nil, err
	}
	ctx.EnableThreaded(intervalMs)
	return ctx, nil
}

// verifyContext is the handle-validity check every public entry point
// performs.
func (c *Context) verifyContext() bool {
	return c != nil && c.valid.Load()
}

// LocalAddr returns the bound listen address, useful after requesting an
// ephemeral port.
func (c *Context) LocalAddr() *net.UDPAddr {
	if !c.verifyContext() {
		return nil
	}
	return c.sock.LocalAddr()
}

// emit gates a log line on the Context's current logging level before
// handing it to the configured LogSink, so hot-path callers never pay for
// formatting a message that would be discarded.
func (c *Context) emit(level LogLevel, msg string, fields ...any) {
	if !c.lvl.active(level) {
		return
	}
	c.log.Log(level, msg, fields...)
}

// EnableThreaded starts a single background worker that runs the tick
// repeatedly. intervalMs is clamped to [4, 333]; pass a negative value for
// the default 8ms.
func (c *Context) EnableThreaded(intervalMs int) {
	if !c.verifyContext() {
		return
	}
	c.threadedMu.Lock()
	defer c.threadedMu.Unlock()
	if c.threaded {
		return
	}
	c.threadInterval = clampThreadInterval(intervalMs)
	c.workerStop = make(chan struct{})
	c.workerDone = make(chan struct{})
	c.threaded = true
	go c.runWorker(c.workerStop, c.workerDone)
}

func clampThreadInterval(intervalMs int) time.Duration {
	if intervalMs < 0 {
		return defaultThreadInterval
	}
	d := time.Duration(intervalMs) * time.Millisecond
	if d < minThreadInterval {
		return minThreadInterval
	}
	if d > maxThreadInterval {
		return maxThreadInterval
	}
	return d
}

// DisableThreaded stops the worker and blocks until it has exited. Idempotent.
func (c *Context) DisableThreaded() {
	if !c.verifyContext() {
		return
	}
	c.threadedMu.Lock()
	if !c.threaded {
		c.threadedMu.Unlock()
		return
	}
	stop, done := c.workerStop, c.workerDone
	c.threaded = false
	c.threadedMu.Unlock()

	close(stop)
	<-done
}

// IsThreaded reports whether a background worker currently drives Update.
func (c *Context) IsThreaded() bool {
	if !c.verifyContext() {
		return false
	}
	c.threadedMu.Lock()
	defer c.threadedMu.Unlock()
	return c.threaded
}

// runWorker drives the tick in a loop, recovering from any panic inside it
// rather than letting it take the whole process down: a long-lived
// background goroutine calling into application-supplied LogSink/Signer
// implementations warrants the guard. Backs off between recovered panics;
// resets to the normal pacing cadence as soon as a tick completes cleanly.
func (c *Context) runWorker(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-stop:
			return
		default:
		}
		if c.tickOnce(stop, bo) {
			return
		}
	}
}

// tickOnce runs one protected tick and sleeps for either the normal pacing
// interval or the current backoff interval, depending on whether the tick
// panicked. Returns true if stop fired while sleeping.
func (c *Context) tickOnce(stop <-chan struct{}, bo *backoff.ExponentialBackOff) (stopped bool) {
	tickStart := c.clk.Now()
	panicked := c.protectedUpdate()

	var sleep time.Duration
	if panicked {
		sleep = bo.NextBackOff()
	} else {
		bo.Reset()
		elapsed := c.clk.Now().Sub(tickStart)
		sleep = c.threadInterval - elapsed
		if sleep < 0 {
			sleep = 0
		}
	}

	select {
	case <-stop:
		return true
	case <-c.clk.After(sleep):
		return false
	}
}

func (c *Context) protectedUpdate() (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.emit(LogError, "tick worker recovered from panic", "recovered", r)
			panicked = true
		}
	}()
	c.tick()
	return false
}

// Destroy stops any worker, drains the intent queue, and closes the socket.
// Subsequent calls on this Context return neutral values.
func (c *Context) Destroy() {
	if !c.verifyContext() {
		return
	}
	c.DisableThreaded()
	c.valid.Store(false)

	for {
		if _, ok := c.queues.intents.PopFront(); !ok {
			break
		}
	}
	c.sock.Close()
	c.emit(LogInfo, "context destroyed")
}

// ClientInitiateConnection requests a handshake to peer, with or without
// authentication.
func (c *Context) ClientInitiateConnection(peer ConnectionId, wantAuth bool) {
	if !c.verifyContext() {
		return
	}
	c.queues.intents.Push(Intent{Kind: IntentConnect, Peer: peer, WantAuth: wantAuth})
}

// ClientInitiateConnectionPinned requests an authenticated handshake,
// refusing to advance past Initiating unless the peer's server-auth reply
// is signed by exactly expectedPeerPK.
func (c *Context) ClientInitiateConnectionPinned(peer ConnectionId, expectedPeerPK [32]byte) {
	if !c.verifyContext() {
		return
	}
	c.queues.intents.Push(Intent{Kind: IntentConnectPinned, Peer: peer, WantAuth: true, PinnedPeerPK: expectedPeerPK})
}

// DropConnection requests removal of peer (or every identity sharing its
// address, if dropAllWithAddr) at the end of the current tick.
func (c *Context) DropConnection(peer ConnectionId, dropAllWithAddr bool) {
	if !c.verifyContext() {
		return
	}
	c.queues.intents.Push(Intent{Kind: IntentDisconnect, Peer: peer, DropAllWithAddr: dropAllWithAddr})
}

// HasConnection reports whether peer currently has an entry in the registry.
func (c *Context) HasConnection(peer ConnectionId) bool {
	if !c.verifyContext() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.registry.get(peer)
	return ok
}

// ListConnected returns every currently-registered peer identity.
func (c *Context) ListConnected() []ConnectionId {
	if !c.verifyContext() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.list()
}

// QueueSend enqueues data for peer. checked packets participate in loss
// detection and resend; unchecked packets (e.g. telemetry samples) never
// re-queue.
func (c *Context) QueueSend(peer ConnectionId, checked bool, data []byte) error {
	if !c.verifyContext() {
		return ErrInvalidHandle
	}
	cp := append([]byte(nil), data...)
	c.queues.userSend.Push(UserSendIntent{Peer: peer, Checked: checked, Data: cp})
	return nil
}

// GetQueueSendSize returns the current depth of the outer (not yet
// promoted to a connection) user-send queue.
func (c *Context) GetQueueSendSize() int {
	if !c.verifyContext() {
		return 0
	}
	return c.queues.userSend.Len()
}

// GetQueuedSize returns peer's per-connection pending-send queue depth and
// whether peer exists.
func (c *Context) GetQueuedSize(peer ConnectionId) (size int, exists bool) {
	if !c.verifyContext() {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.registry.get(peer)
	if !ok {
		return 0, false
	}
	return cs.queuedSize(), true
}

// GetMaxQueuedSize is the fixed per-connection pending-send bound.
func GetMaxQueuedSize() int { return maxPendingSend }

// GetReceived pops the oldest delivered payload, if any. remaining reports
// the queue depth after the pop.
func (c *Context) GetReceived() (pkt ReceivedPacket, remaining int, ok bool) {
	if !c.verifyContext() {
		return ReceivedPacket{}, 0, false
	}
	pkt, ok = c.queues.received.PopFront()
	return pkt, c.queues.received.Len(), ok
}

// GetEvent pops the oldest pending lifecycle/mode event, if any and if
// emit-events is enabled.
func (c *Context) GetEvent() (evt Event, remaining int, ok bool) {
	if !c.verifyContext() {
		return Event{}, 0, false
	}
	evt, ok = c.queues.events.PopFront()
	return evt, c.queues.events.Len(), ok
}

// --- atomic scalar accessors ---

func (c *Context) SetProtocolID(id uint32) { c.protocolID.Store(id) }
func (c *Context) GetProtocolID() uint32   { return c.protocolID.Load() }

func (c *Context) SetLoggingLevel(l LogLevel) { c.lvl.set(l) }
func (c *Context) GetLoggingLevel() LogLevel  { return c.lvl.get() }

func (c *Context) SetAcceptNewConnections(accept bool) { c.acceptNew.Store(accept) }
func (c *Context) GetAcceptNewConnections() bool       { return c.acceptNew.Load() }

func (c *Context) SetEmitEvents(emit bool) { c.emitEvents.Store(emit) }
func (c *Context) GetEmitEvents() bool     { return c.emitEvents.Load() }

func (c *Context) SetAuthPolicy(p AuthPolicy) { c.authPolicy.Store(int32(p)) }
func (c *Context) GetAuthPolicy() AuthPolicy  { return AuthPolicy(c.authPolicy.Load()) }

// connectionKeys returns the signing keypair for a new authenticated
// connection: the context-wide identity keypair when one has been set, or a
// fresh pair otherwise. Callers hold the Context mutex.
func (c *Context) connectionKeys() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if c.sk != nil {
		return c.sk, c.pk, nil
	}
	pk, sk, err := GenerateKeypair()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLibsodiumRequired, err)
	}
	return sk, pk, nil
}

// SetIdentityKeys installs a fixed context-wide signing keypair; without one,
// every new authenticated connection generates its own.
func (c *Context) SetIdentityKeys(pk ed25519.PublicKey, sk ed25519.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pk, c.sk = pk, sk
	c.authEnabled = true
	if _, ok := c.sign.(noopSigner); ok {
		c.sign = ed25519Signer{}
	}
}

// SetIdentityKeysFromSeed derives and installs a keypair from a 32-byte
// seed.
func (c *Context) SetIdentityKeysFromSeed(seed [32]byte) {
	sk := ed25519.NewKeyFromSeed(seed[:])
	c.SetIdentityKeys(sk.Public().(ed25519.PublicKey), sk)
}

// UnsetIdentityKeys disables authentication for future handshakes on this
// Context.
func (c *Context) UnsetIdentityKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pk, c.sk = nil, nil
	c.authEnabled = false
}

func (c *Context) WhitelistAdd(pk [32]byte)    { c.whitelist.add(pk) }
func (c *Context) WhitelistHas(pk [32]byte) bool { return c.whitelist.has(pk) }
func (c *Context) WhitelistRemove(pk [32]byte) { c.whitelist.remove(pk) }
func (c *Context) WhitelistClear()             { c.whitelist.clear() }
