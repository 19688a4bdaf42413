package validate

import "sort"

// FindCycles searches the graph given as successor lists over node indices.
// Every node is tried as a search root in index order. A search from root r
// only visits nodes with index greater than r, so each cycle is reported
// once, from its lowest-index node, in traversal order. At most one cycle
// is reported per root.
//
// The traversal uses an explicit stack of (node, depth) entries; the
// active path is truncated to an entry's depth when it is popped, so when
// the root is reached again the path is exactly the cycle.
func FindCycles(succ [][]int) [][]int {
	var cycles [][]int
	for root := range succ {
		if c := cycleFrom(succ, root); c != nil {
			cycles = append(cycles, c)
		}
	}
	return cycles
}

type frame struct {
	node  int
	depth int
}

func cycleFrom(succ [][]int, root int) []int {
	visited := map[int]bool{root: true}
	path := make([]int, 0, len(succ))
	stack := []frame{{node: root, depth: 0}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		path = append(path[:top.depth], top.node)

		next := succ[top.node]
		for i := len(next) - 1; i >= 0; i-- {
			if next[i] == root {
				return append([]int(nil), path...)
			}
		}
		for i := len(next) - 1; i >= 0; i-- {
			s := next[i]
			if s <= root || visited[s] {
				continue
			}
			visited[s] = true
			stack = append(stack, frame{node: s, depth: top.depth + 1})
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
