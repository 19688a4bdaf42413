package pipeline

// Toposort orders nodes so every node follows the siblings whose outputs it
// consumes. It is Kahn's algorithm with ties broken by the original order,
// so an already ordered list is returned unchanged. References to nodes
// outside the list are ignored. If the nodes contain a cycle, the nodes on
// or behind it are appended in original order and ok is false.
func Toposort(nodes []*Node) (sorted []*Node, ok bool) {
	index := make(map[*Node]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}

	inDegree := make([]int, len(nodes))
	forward := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, up := range n.Upstream() {
			j, ok := index[up]
			if !ok {
				continue
			}
			if j != i {
				forward[j] = append(forward[j], i)
			}
			inDegree[i]++
		}
	}

	done := make([]bool, len(nodes))
	sorted = make([]*Node, 0, len(nodes))
	for len(sorted) < len(nodes) {
		next := -1
		for i := range nodes {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		done[next] = true
		sorted = append(sorted, nodes[next])
		for _, succ := range forward[next] {
			inDegree[succ]--
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, true
	}
	for i, n := range nodes {
		if !done[i] {
			sorted = append(sorted, n)
		}
	}
	return sorted, false
}
