package placement

import (
	"errors"
	"fmt"
	"sort"

	"github.com/standforge/standforge/pkg/types"
)

// ErrNoNodes is returned when placement is asked to assign over an empty
// node list.
var ErrNoNodes = errors.New("no nodes available for placement")

// Request describes one placement run.
type Request struct {
	Users    []string
	Nodes    []string
	Strategy types.PlacementStrategy

	// Node is the target for PlacementExplicit and ignored otherwise.
	Node string
}

// Assign maps every user to a node. The result is deterministic: the same
// request always yields the same assignment, and under PlacementBalanced no
// node carries more than one user above any other.
func Assign(req Request) (map[string]string, error) {
	if len(req.Nodes) == 0 {
		return nil, ErrNoNodes
	}

	nodes := make([]string, len(req.Nodes))
	copy(nodes, req.Nodes)
	sort.Strings(nodes)

	assignment := make(map[string]string, len(req.Users))

	switch req.Strategy {
	case types.PlacementSingle:
		if len(nodes) > 1 {
			return nil, fmt.Errorf("single placement needs a one-node cluster, got %d nodes; use the explicit strategy to pick one", len(nodes))
		}
		for _, user := range req.Users {
			assignment[user] = nodes[0]
		}

	case types.PlacementExplicit:
		if req.Node == "" {
			return nil, fmt.Errorf("explicit placement requires a target node")
		}
		found := false
		for _, node := range nodes {
			if node == req.Node {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("node %s is not part of the cluster", req.Node)
		}
		for _, user := range req.Users {
			assignment[user] = req.Node
		}

	case types.PlacementBalanced:
		for i, user := range req.Users {
			assignment[user] = nodes[i%len(nodes)]
		}

	default:
		return nil, fmt.Errorf("unknown placement strategy %q", req.Strategy)
	}

	return assignment, nil
}

// NodesOf returns the distinct nodes an assignment uses, sorted.
func NodesOf(assignment map[string]string) []string {
	seen := map[string]bool{}
	var nodes []string
	for _, node := range assignment {
		if !seen[node] {
			seen[node] = true
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)
	return nodes
}
