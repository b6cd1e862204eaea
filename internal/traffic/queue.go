package traffic

import "container/list"

// tenantQueue is one tenant's FIFO of requests at a single priority level.
type tenantQueue struct {
	tenantID string
	items    *list.List
}

// priorityQueue holds every queued request, partitioned first by
// priority (P0 before P1 before P2) and then by tenant so that dequeue
// can round-robin fairly across tenants within a priority tier, matching
// the round-robin-over-per-tenant-buckets shape of
// DispatchRequest/TenantLimiter in internal/gateway/dispatcher.go.
type priorityQueue struct {
	tenants [len(priorities)]map[string]*tenantQueue
	order   [len(priorities)][]string // tenant insertion/rotation order, per priority
	cursor  [len(priorities)]int      // next tenant index to serve, per priority
	size    int
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	for i := range pq.tenants {
		pq.tenants[i] = make(map[string]*tenantQueue)
	}
	return pq
}

// push enqueues req under its Metadata.Priority and TenantID, recording
// the list element on the request so remove can later find it in O(1).
func (pq *priorityQueue) push(req *Request) {
	p := req.Metadata.Priority
	tq, ok := pq.tenants[p][req.TenantID]
	if !ok {
		tq = &tenantQueue{tenantID: req.TenantID, items: list.New()}
		pq.tenants[p][req.TenantID] = tq
		pq.order[p] = append(pq.order[p], req.TenantID)
	}
	req.queueElem = tq.items.PushBack(req)
	req.queuePriority = p
	pq.size++
}

// pushFront re-enqueues req at the head of its tenant's bucket rather than
// the tail, used to requeue a retried request at its tenant head.
func (pq *priorityQueue) pushFront(req *Request) {
	p := req.Metadata.Priority
	tq, ok := pq.tenants[p][req.TenantID]
	if !ok {
		tq = &tenantQueue{tenantID: req.TenantID, items: list.New()}
		pq.tenants[p][req.TenantID] = tq
		pq.order[p] = append(pq.order[p], req.TenantID)
	}
	req.queueElem = tq.items.PushFront(req)
	req.queuePriority = p
	pq.size++
}

// remove drops req from the queue if present. Used when a request's
// deadline or context fires while still queued.
func (pq *priorityQueue) remove(req *Request) bool {
	if req.queueElem == nil {
		return false
	}
	tq, ok := pq.tenants[req.queuePriority][req.TenantID]
	if !ok {
		return false
	}
	tq.items.Remove(req.queueElem)
	req.queueElem = nil
	pq.size--
	if tq.items.Len() == 0 {
		delete(pq.tenants[req.queuePriority], req.TenantID)
		pq.compact(req.queuePriority)
	}
	return true
}

// Len reports the total number of queued requests across all priorities.
func (pq *priorityQueue) Len() int { return pq.size }

// nextCandidate returns the head request of the first tenant at priority
// p, walking the rotation order from the stored round-robin cursor, whose
// bucket is non-empty. It removes nothing: the dispatcher pops a request
// it dispatches via advance, and rotates past a blocked tenant via skip,
// leaving that tenant's request in place.
func (pq *priorityQueue) nextCandidate(p Priority) (*Request, bool) {
	tenants := pq.order[p]
	n := len(tenants)
	if n == 0 {
		return nil, false
	}
	for tries := 0; tries < n; tries++ {
		idx := (pq.cursor[p] + tries) % len(pq.order[p])
		tid := pq.order[p][idx]
		tq, ok := pq.tenants[p][tid]
		if !ok || tq.items.Len() == 0 {
			continue
		}
		front := tq.items.Front().Value.(*Request)
		return front, true
	}
	return nil, false
}

// skip rotates the round-robin cursor forward without removing anything,
// used when the current candidate at priority p is blocked by a gate and
// the dispatcher wants to try the next tenant's head instead.
func (pq *priorityQueue) skip(p Priority) {
	if len(pq.order[p]) == 0 {
		return
	}
	pq.cursor[p] = (pq.cursor[p] + 1) % len(pq.order[p])
}

// advance pops the given request (which must be the current front for its
// tenant/priority) and rotates the round-robin cursor to the next tenant,
// matching the dispatcher's "serve one, rotate" fairness rule.
func (pq *priorityQueue) advance(req *Request) {
	p := req.queuePriority
	pq.remove(req)
	pq.compact(p)
	if len(pq.order[p]) == 0 {
		pq.cursor[p] = 0
		return
	}
	pq.cursor[p] = (pq.cursor[p] + 1) % len(pq.order[p])
}

// compact drops tenant IDs from the rotation order that no longer have a
// live bucket, keeping pq.order[p] from growing unboundedly as tenants
// come and go.
func (pq *priorityQueue) compact(p Priority) {
	order := pq.order[p]
	kept := order[:0]
	for _, tid := range order {
		if _, ok := pq.tenants[p][tid]; ok {
			kept = append(kept, tid)
		}
	}
	pq.order[p] = kept
}

// allQueued returns every currently queued request across all priorities,
// used by the scheduler to re-evaluate deadlines and recompute the
// coalesced wakeup timer.
func (pq *priorityQueue) allQueued() []*Request {
	out := make([]*Request, 0, pq.size)
	for _, p := range priorities {
		for _, tid := range pq.order[p] {
			tq, ok := pq.tenants[p][tid]
			if !ok {
				continue
			}
			for e := tq.items.Front(); e != nil; e = e.Next() {
				out = append(out, e.Value.(*Request))
			}
		}
	}
	return out
}
