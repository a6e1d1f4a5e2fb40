package topology

import (
	"fmt"
	"sort"

	"github.com/mxhn/swarmnet/swarm/common"
)

// adjacency is a directed edge set: from -> set of to.
type adjacency map[string]map[string]struct{}

func (a adjacency) add(from, to string) {
	if a[from] == nil {
		a[from] = make(map[string]struct{})
	}
	a[from][to] = struct{}{}
}

// undirected folds the directed edges into symmetric neighbor sets, which
// is the view cluster computation works on.
func (a adjacency) undirected() adjacency {
	u := make(adjacency, len(a))
	for from, tos := range a {
		for to := range tos {
			u.add(from, to)
			u.add(to, from)
		}
	}
	return u
}

// computeClusters partitions the nodes reachable via at least one edge into
// connected components using iterative BFS. Components of size < 2 are not
// reported. Deterministic for a fixed edge set; cluster ids are sequence
// numbers and carry no meaning across recomputations.
func computeClusters(nodeIDs []string, undirected adjacency) []common.Cluster {
	sorted := append([]string(nil), nodeIDs...)
	sort.Strings(sorted)

	visited := make(map[string]bool, len(sorted))
	var clusters []common.Cluster

	for _, start := range sorted {
		if visited[start] {
			continue
		}
		visited[start] = true

		members := []string{start}
		queue := []string{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for neighbor := range undirected[current] {
				if visited[neighbor] {
					continue
				}
				visited[neighbor] = true
				members = append(members, neighbor)
				queue = append(queue, neighbor)
			}
		}

		if len(members) < 2 {
			continue
		}
		sort.Strings(members)
		clusters = append(clusters, common.Cluster{
			ID:      fmt.Sprintf("cluster-%d", len(clusters)+1),
			Members: members,
		})
	}
	return clusters
}

// computeBridges finds every node whose direct neighbors span two or more
// distinct clusters.
func computeBridges(clusters []common.Cluster, undirected adjacency) []common.Bridge {
	clusterOf := make(map[string]string)
	for _, c := range clusters {
		for _, m := range c.Members {
			clusterOf[m] = c.ID
		}
	}

	nodes := make([]string, 0, len(undirected))
	for id := range undirected {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	var bridges []common.Bridge
	for _, id := range nodes {
		span := make(map[string]struct{})
		for neighbor := range undirected[id] {
			if cid, ok := clusterOf[neighbor]; ok {
				span[cid] = struct{}{}
			}
		}
		if len(span) < 2 {
			continue
		}
		ids := make([]string, 0, len(span))
		for cid := range span {
			ids = append(ids, cid)
		}
		sort.Strings(ids)
		bridges = append(bridges, common.Bridge{NodeID: id, Clusters: ids})
	}
	return bridges
}

// shortestPath runs BFS over the directed adjacency and returns the first
// shortest path by edge count, [from] when from == to, or nil when the
// destination is unreachable. Visited tracking makes it cycle-safe.
func shortestPath(directed adjacency, from, to string) []string {
	if from == to {
		return []string{from}
	}

	visited := map[string]bool{from: true}
	parent := make(map[string]string)
	queue := []string{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		neighbors := make([]string, 0, len(directed[current]))
		for n := range directed[current] {
			neighbors = append(neighbors, n)
		}
		sort.Strings(neighbors)

		for _, neighbor := range neighbors {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			parent[neighbor] = current
			if neighbor == to {
				path := []string{to}
				for at := to; at != from; {
					at = parent[at]
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, neighbor)
		}
	}
	return nil
}
