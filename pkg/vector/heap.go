package vector

import "github.com/orneryd/helixgraph/pkg/storage"

// distItem pairs a vector id with its distance to the current query. The
// isMax flag flips the heap order so the same type backs both the
// candidate min-heap and the result max-heap.
type distItem struct {
	id    storage.ID
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x interface{}) {
	*dh = append(*dh, x.(distItem))
}

func (dh *distHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
