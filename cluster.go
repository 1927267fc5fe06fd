package gaio

import (
	"net"
	"sync"

	"github.com/xtaci/reactord/internal/wire"
)

// ClusterLink is the full-mesh of sibling connections described in spec
// §4.9: root and each worker are joined by a pipe/unix-socket pair and
// speak the framed protocol of §6. A publish with ScopeCluster is
// serialized once and sent to root, which fans it out to every sibling;
// ScopeSiblings is identical but skips the origin; ScopeRoot sends only
// to root.
type ClusterLink struct {
	ps       *PubSub
	isRoot   bool
	selfID   int
	mu       sync.RWMutex
	siblings map[int]net.Conn // worker id -> connection, root's view
	toRoot   net.Conn         // worker's view; nil on root itself
}

// JoinCluster wires ps into a cluster. On the root process, conns holds
// one accepted connection per worker, keyed by worker id. On a worker,
// toRoot is the single connection back to root.
func JoinCluster(ps *PubSub, isRoot bool, selfID int, conns map[int]net.Conn, toRoot net.Conn) *ClusterLink {
	cl := &ClusterLink{
		ps:       ps,
		isRoot:   isRoot,
		selfID:   selfID,
		siblings: conns,
		toRoot:   toRoot,
	}
	ps.cluster = cl
	for id, c := range conns {
		go cl.readLoop(id, c)
	}
	if toRoot != nil {
		go cl.readLoop(-1, toRoot)
	}
	return cl
}

// wireScope converts a gaio.Scope to its wire.Scope byte.
func wireScope(s Scope) wire.Scope {
	switch s {
	case ScopeCluster:
		return wire.ScopeCluster
	case ScopeSiblings:
		return wire.ScopeSiblings
	case ScopeRoot:
		return wire.ScopeRoot
	default:
		return wire.ScopeProcess
	}
}

// publish serializes opts once and routes it per scope (spec §4.9). The
// scope travels on the wire (internal/wire.Frame.Scope) so root's
// handleFrame can tell a worker's ScopeRoot publish apart from a
// ScopeSiblings/ScopeCluster one once it arrives.
func (cl *ClusterLink) publish(opts PublishOptions) error {
	f := wire.Frame{
		Filter:  opts.Filter,
		Channel: []byte(opts.Channel),
		Payload: opts.Payload,
		IsJSON:  opts.IsJSON,
		Scope:   wireScope(opts.Scope),
	}

	if !cl.isRoot {
		// Workers always hand cluster/siblings/root-scoped publishes to
		// root, which owns the fan-out decision (spec §4.9's root-as-hub
		// contract).
		return wire.WriteFrame(cl.toRoot, f)
	}

	switch opts.Scope {
	case ScopeRoot:
		cl.ps.deliverLocal(&Message{Filter: opts.Filter, Channel: f.Channel, Payload: f.Payload, IsJSON: f.IsJSON})
		return nil
	case ScopeSiblings:
		return cl.broadcast(f, cl.selfID)
	default: // ScopeCluster
		return cl.broadcast(f, -1)
	}
}

// broadcast sends f to every sibling except skipID (-1 sends to all).
func (cl *ClusterLink) broadcast(f wire.Frame, skipID int) error {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	var firstErr error
	for id, c := range cl.siblings {
		if id == skipID {
			continue
		}
		if err := wire.WriteFrame(c, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// announceSubscribe sends a FilterSubscribe control frame from a worker to
// root. Root's own subscriptions are not announced to workers, which only
// track their own channels. Root's handleFrame does not record the
// announced channels.
func (cl *ClusterLink) announceSubscribe(channel string, pattern bool) {
	if cl.isRoot {
		return
	}
	f := wire.Frame{Filter: wire.FilterSubscribe, Channel: []byte(channel), Pattern: pattern}
	wire.WriteFrame(cl.toRoot, f)
}

// readLoop decodes frames from one sibling connection, re-publishing
// pub/sub payloads locally and fanning root-received frames out to the
// rest of the mesh.
func (cl *ClusterLink) readLoop(fromID int, c net.Conn) {
	for {
		f, err := wire.ReadFrame(c)
		if err != nil {
			return
		}
		cl.handleFrame(fromID, f)
	}
}

func (cl *ClusterLink) handleFrame(fromID int, f wire.Frame) {
	switch f.Filter {
	case wire.FilterSubscribe, wire.FilterUnsubscribe, wire.FilterShutdown, wire.FilterPing:
		// Control frames are dropped at this layer: the announced
		// channels are not recorded, and no resubscribe sweep or engine
		// hook runs.
		return
	default:
		msg := &Message{Filter: f.Filter, Channel: f.Channel, Payload: f.Payload, IsJSON: f.IsJSON}
		cl.ps.deliverLocal(msg)
		// A worker's ScopeRoot publish must stay local to root: the wire
		// scope is what lets root tell it apart from ScopeSiblings/
		// ScopeCluster once the frame has arrived (spec §4.9's scope
		// table); re-broadcasting it here would fan a root-only publish
		// out to every sibling.
		if cl.isRoot && f.Scope != wire.ScopeRoot {
			cl.broadcast(f, fromID)
		}
	}
}
