package peers

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State describes how far a peer has progressed from discovery to an
// active connection.
type State string

const (
	// StateDiscovered means the peer was seen on the network but no
	// connection exists.
	StateDiscovered State = "discovered"
	// StateConnected means a transport connection to the peer is live.
	StateConnected State = "connected"
)

// EventKind tags registry change notifications.
type EventKind string

const (
	EventDiscovered   EventKind = "discovered"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventExpired      EventKind = "expired"
)

// Event describes one registry change.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Peer is a snapshot of one tracked device.
type Peer struct {
	ID       uuid.UUID
	Metadata Metadata
	State    State
	Address  string
	LastSeen time.Time
}

// Registry is the concurrency-safe view of known peers. Discovery and
// transport goroutines mutate it; the RPC layer reads snapshots.
type Registry struct {
	mu          sync.RWMutex
	peers       map[uuid.UUID]Peer
	subscribers []chan Event
	now         func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[uuid.UUID]Peer),
		now:   time.Now,
	}
}

// Discovered records a peer seen on the network. A connected peer stays
// connected; only its metadata and last-seen time refresh.
func (r *Registry) Discovered(id uuid.UUID, metadata Metadata, address string) {
	r.mu.Lock()
	peer, known := r.peers[id]
	peer.ID = id
	peer.Metadata = metadata
	peer.Address = address
	peer.LastSeen = r.now()
	if !known || peer.State != StateConnected {
		peer.State = StateDiscovered
	}
	r.peers[id] = peer
	snapshot := peer
	r.mu.Unlock()

	if !known {
		r.publish(Event{Kind: EventDiscovered, Peer: snapshot})
	}
}

// Connected marks a peer as having a live connection.
func (r *Registry) Connected(id uuid.UUID) {
	r.mu.Lock()
	peer, known := r.peers[id]
	if !known {
		peer.ID = id
	}
	peer.State = StateConnected
	peer.LastSeen = r.now()
	r.peers[id] = peer
	snapshot := peer
	r.mu.Unlock()

	r.publish(Event{Kind: EventConnected, Peer: snapshot})
}

// Disconnected drops a peer back to discovered state.
func (r *Registry) Disconnected(id uuid.UUID) {
	r.mu.Lock()
	peer, known := r.peers[id]
	if !known {
		r.mu.Unlock()
		return
	}
	peer.State = StateDiscovered
	r.peers[id] = peer
	snapshot := peer
	r.mu.Unlock()

	r.publish(Event{Kind: EventDisconnected, Peer: snapshot})
}

// Expire removes discovered peers not seen within maxAge. Connected
// peers are never expired. Returns the removed peers.
func (r *Registry) Expire(maxAge time.Duration) []Peer {
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	var expired []Peer
	for id, peer := range r.peers {
		if peer.State == StateConnected {
			continue
		}
		if peer.LastSeen.Before(cutoff) {
			expired = append(expired, peer)
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	for _, peer := range expired {
		r.publish(Event{Kind: EventExpired, Peer: peer})
	}
	return expired
}

// Get returns a snapshot of one peer.
func (r *Registry) Get(id uuid.UUID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// List returns a snapshot of all tracked peers.
func (r *Registry) List() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Subscribe returns a channel of registry change events. Slow consumers
// lose events rather than blocking mutators.
func (r *Registry) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	channel := make(chan Event, buffer)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, channel)
	r.mu.Unlock()
	return channel
}

func (r *Registry) publish(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, subscriber := range r.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}
