package udpc

// ConnectionRegistry owns the three coordinated maps. All
// mutation happens while the owning Context holds its mutex; the registry
// itself performs no locking.
type ConnectionRegistry struct {
	byIdentity map[ConnectionId]*ConnectionState
	byAddr     map[identityAddrKey]map[ConnectionId]struct{}
	byConnID   map[uint32]ConnectionId

	pendingDelete map[ConnectionId]struct{}
}

func newConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byIdentity:    make(map[ConnectionId]*ConnectionState),
		byAddr:        make(map[identityAddrKey]map[ConnectionId]struct{}),
		byConnID:      make(map[uint32]ConnectionId),
		pendingDelete: make(map[ConnectionId]struct{}),
	}
}

// insert registers a new ConnectionState. If its id is already assigned
// (id-set true), the connection-id map is populated too.
func (r *ConnectionRegistry) insert(id ConnectionId, cs *ConnectionState) {
	r.byIdentity[id] = cs
	ak := id.addrKey()
	set, ok := r.byAddr[ak]
	if !ok {
		set = make(map[ConnectionId]struct{})
		r.byAddr[ak] = set
	}
	set[id] = struct{}{}
	if cs.idSet {
		r.byConnID[cs.id] = id
	}
}

// setConnID populates the connection-id map once a ConnectionState's id is
// assigned, keeping all three maps consistent.
func (r *ConnectionRegistry) setConnID(id ConnectionId, connID uint32) {
	r.byConnID[connID] = id
}

func (r *ConnectionRegistry) get(id ConnectionId) (*ConnectionState, bool) {
	cs, ok := r.byIdentity[id]
	return cs, ok
}

func (r *ConnectionRegistry) getByConnID(connID uint32) (ConnectionId, *ConnectionState, bool) {
	id, ok := r.byConnID[connID]
	if !ok {
		return ConnectionId{}, nil, false
	}
	cs, ok := r.byIdentity[id]
	return id, cs, ok
}

func (r *ConnectionRegistry) idInUse(connID uint32) bool {
	_, ok := r.byConnID[connID]
	return ok
}

func (r *ConnectionRegistry) list() []ConnectionId {
	out := make([]ConnectionId, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	return out
}

// remove deletes all three entries for an identity immediately. Callers on
// the tick path should prefer stageDelete + flushDeletions so that iteration
// over byIdentity stays safe; remove is for immediate drop-connection calls
// outside of iteration.
func (r *ConnectionRegistry) remove(id ConnectionId) {
	cs, ok := r.byIdentity[id]
	if !ok {
		return
	}
	delete(r.byIdentity, id)
	ak := id.addrKey()
	if set, ok := r.byAddr[ak]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byAddr, ak)
		}
	}
	if cs.idSet {
		delete(r.byConnID, cs.id)
	}
	delete(r.pendingDelete, id)
}

// stageDelete marks an identity (and, if dropAllWithAddr, every identity
// sharing its address) for removal at the end of the current tick.
func (r *ConnectionRegistry) stageDelete(id ConnectionId, dropAllWithAddr bool) {
	if dropAllWithAddr {
		ak := id.addrKey()
		for other := range r.byAddr[ak] {
			r.stageOne(other)
		}
		return
	}
	r.stageOne(id)
}

// stageOne marks a single identity. A connection that never left Initiating
// keeps its state so no disconnect packet is sent for it on flush.
func (r *ConnectionRegistry) stageOne(id ConnectionId) {
	cs, ok := r.byIdentity[id]
	if !ok {
		return
	}
	if cs.state != StateInitiating {
		cs.state = StateDisconnectPending
	}
	r.pendingDelete[id] = struct{}{}
}

// isStagedForDelete reports whether id will be removed at the end of this
// tick.
func (r *ConnectionRegistry) isStagedForDelete(id ConnectionId) bool {
	_, ok := r.pendingDelete[id]
	return ok
}

// flushDeletions removes every identity staged this tick, invoking onRemove
// for each before it is deleted so the caller can emit events / send a
// final disconnect packet.
func (r *ConnectionRegistry) flushDeletions(onRemove func(id ConnectionId, cs *ConnectionState)) {
	if len(r.pendingDelete) == 0 {
		return
	}
	staged := r.pendingDelete
	r.pendingDelete = make(map[ConnectionId]struct{})
	for id := range staged {
		cs, ok := r.byIdentity[id]
		if !ok {
			continue
		}
		if onRemove != nil {
			onRemove(id, cs)
		}
		r.remove(id)
	}
}
