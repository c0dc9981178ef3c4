package txn

import (
	"container/heap"
	"sync"
)

// pendingTx is an item waiting in the orderer's min-heap for its turn
// to be published.
type pendingTx struct {
	tx          *Transaction
	onPublished func(*Transaction)
}

type pendingHeap []pendingTx

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return h[i].tx.CommitVersion < h[j].tx.CommitVersion
}
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(pendingTx)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Orderer publishes committed transactions strictly in increasing
// commit-version order: a transaction never becomes visible to new
// readers before every lower commit version already is.
type Orderer struct {
	versions *Versions

	mu      sync.Mutex
	pending pendingHeap
}

// NewOrderer creates an orderer bound to the given version cursor.
func NewOrderer(v *Versions) *Orderer {
	return &Orderer{versions: v}
}

// TranCommitted publishes tx (raising readVersion) and then drains any
// pending transactions that have become the new readVersion+1 in turn,
// calling onPublished for each as it is released.
func (o *Orderer) TranCommitted(tx *Transaction, onPublished func(*Transaction)) {
	if tx.IsAlignment {
		o.versions.PublishAlignment(tx.CommitVersion)
		if onPublished != nil {
			onPublished(tx)
		}
		o.drain()
		return
	}

	if !o.versions.Publish(tx.CommitVersion) {
		// Should not happen if callers only invoke TranCommitted when
		// commitVersion == readVersion+1; treat as a logic error by
		// queuing it instead of crashing, so a late caller still makes
		// progress once earlier versions land.
		o.enqueue(tx, onPublished)
		return
	}
	if onPublished != nil {
		onPublished(tx)
	}
	o.drain()
}

// Enqueue adds tx to the pending queue because its commitVersion is
// ahead of readVersion+1.
func (o *Orderer) Enqueue(tx *Transaction, onPublished func(*Transaction)) {
	o.enqueue(tx, onPublished)
}

func (o *Orderer) enqueue(tx *Transaction, onPublished func(*Transaction)) {
	o.mu.Lock()
	heap.Push(&o.pending, pendingTx{tx: tx, onPublished: onPublished})
	o.mu.Unlock()
}

func (o *Orderer) drain() {
	for {
		next := o.versions.ReadVersion() + 1

		o.mu.Lock()
		if len(o.pending) == 0 || o.pending[0].tx.CommitVersion != next {
			o.mu.Unlock()
			return
		}
		item := heap.Pop(&o.pending).(pendingTx)
		o.mu.Unlock()

		if !o.versions.Publish(item.tx.CommitVersion) {
			// Lost a race; put it back and let the winner's drain handle it.
			o.enqueue(item.tx, item.onPublished)
			return
		}
		if item.onPublished != nil {
			item.onPublished(item.tx)
		}
	}
}

// PendingCount reports how many transactions are waiting for their
// predecessor to publish (diagnostic / metrics use).
func (o *Orderer) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
