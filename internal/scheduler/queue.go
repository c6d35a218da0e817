package scheduler

import (
	"time"

	"github.com/streamforge/pipeline/pkg/models"
)

// jobQueue implements a priority queue for jobs. Higher priority first,
// FIFO within a priority tier.
type jobQueue []*queueItem

// queueItem represents a job in the priority queue
type queueItem struct {
	Job       *models.Job
	Weight    int
	Timestamp time.Time
	Index     int
}

func (pq jobQueue) Len() int { return len(pq) }

func (pq jobQueue) Less(i, j int) bool {
	if pq[i].Weight != pq[j].Weight {
		return pq[i].Weight > pq[j].Weight
	}
	return pq[i].Timestamp.Before(pq[j].Timestamp)
}

func (pq jobQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *jobQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*queueItem)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *jobQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*pq = old[0 : n-1]
	return item
}
