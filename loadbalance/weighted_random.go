package loadbalance

import "math/rand/v2"

// WeightedRandomBalancer picks a node with probability proportional to its
// weight.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(nodes []Node) (int, error) {
	if len(nodes) == 0 {
		return 0, ErrNoNodes
	}

	total := 0
	for _, n := range nodes {
		total += weight(n)
	}

	r := rand.IntN(total)
	for i, n := range nodes {
		r -= weight(n)
		if r < 0 {
			return i, nil
		}
	}
	return len(nodes) - 1, nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(n Node) int {
	if w := n.NodeWeight(); w > 0 {
		return w
	}
	return 1
}
