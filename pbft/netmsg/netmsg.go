// Package netmsg wires the PBFT message kinds onto the existing
// length-prefixed JSON transport in package network, and deduplicates
// inbound gossip with an LRU so a replica never re-processes the same
// signed message twice.
package netmsg

import (
	"encoding/json"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/pbft/message"
)

// The five PBFT wire message kinds, layered onto network.MsgType alongside
// the chain's existing tx/block/sync kinds.
const (
	MsgPrepare    network.MsgType = "pbft_prepare"
	MsgCommit     network.MsgType = "pbft_commit"
	MsgViewChange network.MsgType = "pbft_view_change"
	MsgNewView    network.MsgType = "pbft_new_view"
	MsgCheckpoint network.MsgType = "pbft_checkpoint"
)

// dedupCacheSize bounds the seen-message LRU. PBFT gossip for an active
// schedule rarely has more than a few thousand in-flight signed messages at
// once; this is generous headroom rather than a tuned figure.
const dedupCacheSize = 4096

// Handlers are the callbacks a replica registers to receive decoded PBFT
// messages off the wire. Each is invoked on the node's readLoop goroutine
// for the peer that delivered it.
type Handlers struct {
	OnPrepare    func(message.Prepare)
	OnCommit     func(message.Commit)
	OnViewChange func(message.ViewChange)
	OnNewView    func(message.NewView)
	OnCheckpoint func(message.Checkpoint)
}

// Gateway adapts a network.Node to the PBFT message set: decoding inbound
// envelopes, deduplicating by digest, and encoding outbound broadcasts.
type Gateway struct {
	node *network.Node
	seen *lru.ARCCache
	log  *logrus.Entry
}

// New builds a Gateway over node and registers h's callbacks for the five
// PBFT message kinds.
func New(node *network.Node, h Handlers, log *logrus.Entry) (*Gateway, error) {
	cache, err := lru.NewARC(dedupCacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	g := &Gateway{node: node, seen: cache, log: log.WithField("component", "netmsg")}

	node.Handle(MsgPrepare, g.wrap(func(b []byte) error {
		var p message.Prepare
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		if !g.markSeen(message.Digest(p)) {
			return nil
		}
		if h.OnPrepare != nil {
			h.OnPrepare(p)
		}
		return nil
	}))
	node.Handle(MsgCommit, g.wrap(func(b []byte) error {
		var c message.Commit
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		if !g.markSeen(message.Digest(c)) {
			return nil
		}
		if h.OnCommit != nil {
			h.OnCommit(c)
		}
		return nil
	}))
	node.Handle(MsgViewChange, g.wrap(func(b []byte) error {
		var vc message.ViewChange
		if err := json.Unmarshal(b, &vc); err != nil {
			return err
		}
		if !g.markSeen(message.Digest(vc)) {
			return nil
		}
		if h.OnViewChange != nil {
			h.OnViewChange(vc)
		}
		return nil
	}))
	node.Handle(MsgNewView, g.wrap(func(b []byte) error {
		var nv message.NewView
		if err := json.Unmarshal(b, &nv); err != nil {
			return err
		}
		if !g.markSeen(message.Digest(nv)) {
			return nil
		}
		if h.OnNewView != nil {
			h.OnNewView(nv)
		}
		return nil
	}))
	node.Handle(MsgCheckpoint, g.wrap(func(b []byte) error {
		var cp message.Checkpoint
		if err := json.Unmarshal(b, &cp); err != nil {
			return err
		}
		if !g.markSeen(message.Digest(cp)) {
			return nil
		}
		if h.OnCheckpoint != nil {
			h.OnCheckpoint(cp)
		}
		return nil
	}))

	return g, nil
}

func (g *Gateway) wrap(f func([]byte) error) network.MessageHandler {
	return func(peer *network.Peer, msg network.Message) {
		if err := f(msg.Payload); err != nil {
			g.log.WithFields(logrus.Fields{"peer": peer.ID, "msg_type": msg.Type}).Warnf("decode failed: %v", err)
		}
	}
}

// markSeen reports whether digest is new. Already-seen digests return
// false so the caller skips re-dispatching a gossiped duplicate.
func (g *Gateway) markSeen(digest string) bool {
	if g.seen.Contains(digest) {
		return false
	}
	g.seen.Add(digest, struct{}{})
	return true
}

func (g *Gateway) broadcast(typ network.MsgType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		g.log.WithError(err).Error("marshal outbound pbft message")
		return
	}
	g.node.Broadcast(network.Message{Type: typ, Payload: data})
}

// BroadcastPrepare sends p to every connected peer and marks it seen
// locally so an echoed copy from a peer doesn't get redispatched.
func (g *Gateway) BroadcastPrepare(p message.Prepare) {
	g.markSeen(message.Digest(p))
	g.broadcast(MsgPrepare, p)
}

// BroadcastCommit sends c to every connected peer.
func (g *Gateway) BroadcastCommit(c message.Commit) {
	g.markSeen(message.Digest(c))
	g.broadcast(MsgCommit, c)
}

// BroadcastViewChange sends vc to every connected peer.
func (g *Gateway) BroadcastViewChange(vc message.ViewChange) {
	g.markSeen(message.Digest(vc))
	g.broadcast(MsgViewChange, vc)
}

// BroadcastNewView sends nv to every connected peer.
func (g *Gateway) BroadcastNewView(nv message.NewView) {
	g.markSeen(message.Digest(nv))
	g.broadcast(MsgNewView, nv)
}

// BroadcastCheckpoint sends cp to every connected peer.
func (g *Gateway) BroadcastCheckpoint(cp message.Checkpoint) {
	g.markSeen(message.Digest(cp))
	g.broadcast(MsgCheckpoint, cp)
}
