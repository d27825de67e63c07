package leakybucket

// BucketsHeap is a min-heap over last access time so the manager can evict
// the most stale bucket in O(log n).
type BucketsHeap[TKey comparable] []LeakyBucket[TKey]

func (h BucketsHeap[TKey]) Len() int {
	return len(h)
}

func (h BucketsHeap[TKey]) Less(i, j int) bool {
	return h[i].LastAccessTime().Before(h[j].LastAccessTime())
}

func (h BucketsHeap[TKey]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].SetIndex(i)
	h[j].SetIndex(j)
}

func (h *BucketsHeap[TKey]) Push(x any) {
	bucket := x.(LeakyBucket[TKey])
	bucket.SetIndex(len(*h))
	*h = append(*h, bucket)
}

func (h *BucketsHeap[TKey]) Pop() any {
	old := *h
	n := len(old)
	bucket := old[n-1]
	old[n-1] = nil
	bucket.SetIndex(-1)
	*h = old[:n-1]
	return bucket
}

func (h BucketsHeap[TKey]) Peek() LeakyBucket[TKey] {
	if len(h) == 0 {
		return nil
	}

	return h[0]
}
