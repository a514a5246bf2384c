package host

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// Ring assigns every document to exactly one node, so that each document has a single live room across the cluster.
// A ring without nodes owns everything locally.
type Ring struct {
	self  string
	addrs map[string]string
	hash  *rendezvous.Rendezvous
}

func NewRing(self string, nodes map[string]string) *Ring {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	r := &Ring{self: self, addrs: nodes}
	if len(names) > 0 {
		r.hash = rendezvous.New(names, xxhash.Sum64String)
	}
	return r
}

// Owner returns the node owning docID and its address. local is true when that node is this one.
func (r *Ring) Owner(docID string) (name, addr string, local bool) {
	if r.hash == nil {
		return r.self, "", true
	}
	name = r.hash.Lookup(docID)
	return name, r.addrs[name], name == r.self
}

// ParseNodes reads a comma separated list of name=address pairs.
func ParseNodes(raw string) (map[string]string, error) {
	nodes := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, addr, ok := strings.Cut(part, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid cluster node %q, expected name=address", part)
		}
		if _, dup := nodes[name]; dup {
			return nil, fmt.Errorf("duplicate cluster node %q", name)
		}
		nodes[name] = addr
	}
	return nodes, nil
}
