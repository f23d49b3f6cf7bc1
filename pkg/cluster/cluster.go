// Package cluster holds the immutable cluster roster: the set of replicas
// participating in consensus, keyed by id, for the lifetime of the process.
package cluster

import "fmt"

// NodeID identifies a replica uniquely within a cluster.
type NodeID uint16

// NodeAddress is a replica's identity and network location. Ids are unique
// within a cluster and the address is immutable once loaded.
type NodeAddress struct {
	ID   NodeID `mapstructure:"id" json:"id"`
	Host string `mapstructure:"host" json:"host"`
	Port uint16 `mapstructure:"port" json:"port"`
}

func (a NodeAddress) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// URL returns the base HTTP URL other replicas use to reach this node.
func (a NodeAddress) URL() string {
	return fmt.Sprintf("http://%s:%d", a.Host, a.Port)
}

// Roster is the immutable set of peers in a cluster, including self.
type Roster struct {
	nodes []NodeAddress
	byID  map[NodeID]NodeAddress
}

// NewRoster builds a Roster from a node list, rejecting duplicate ids.
func NewRoster(nodes []NodeAddress) (*Roster, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cluster: empty roster")
	}
	byID := make(map[NodeID]NodeAddress, len(nodes))
	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return nil, fmt.Errorf("cluster: duplicate node id %d", n.ID)
		}
		byID[n.ID] = n
	}
	cp := make([]NodeAddress, len(nodes))
	copy(cp, nodes)
	return &Roster{nodes: cp, byID: byID}, nil
}

// Size returns the roster size N.
func (r *Roster) Size() int { return len(r.nodes) }

// Peers returns every node in the roster, including self, in load order.
func (r *Roster) Peers() []NodeAddress {
	cp := make([]NodeAddress, len(r.nodes))
	copy(cp, r.nodes)
	return cp
}

// Lookup returns the address registered for id, if any.
func (r *Roster) Lookup(id NodeID) (NodeAddress, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// Has reports whether id is a member of this roster.
func (r *Roster) Has(id NodeID) bool {
	_, ok := r.byID[id]
	return ok
}
