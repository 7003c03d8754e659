package manager

import (
	"sync"

	"judgerun/job"
)

// stateBufferSize bounds how many undelivered JobState values a slow
// subscriber accumulates before the hub starts dropping the oldest one.
const stateBufferSize = 4

// JobStartedEvent is delivered to job-started subscribers.
type JobStartedEvent struct {
	UserID    string
	ProblemID string
}

func jobKey(userID, problemID string) string {
	return userID + "\x00" + problemID
}

// Hub is the manager's publish/subscribe event bus. All subscription
// methods return an id used to unsubscribe later; channels
// are never closed out from under a reader except by PublishProblemUpdated
// (which closes every channel on that problem, forcing all subscribers to
// detach) and PublishShutdown (which closes every shutdown channel).
type Hub struct {
	mu     sync.Mutex
	nextID uint64

	shutdown map[uint64]chan struct{}

	jobStarted map[uint64]chan JobStartedEvent

	problemUpdated map[string]map[uint64]chan struct{}

	state map[string]map[uint64]chan job.State
}

// NewHub constructs an empty event hub.
func NewHub() *Hub {
	return &Hub{
		shutdown:       make(map[uint64]chan struct{}),
		jobStarted:     make(map[uint64]chan JobStartedEvent),
		problemUpdated: make(map[string]map[uint64]chan struct{}),
		state:          make(map[string]map[uint64]chan job.State),
	}
}

func (h *Hub) id() uint64 {
	h.nextID++
	return h.nextID
}

// SubscribeShutdown registers for the global shutdown signal.
func (h *Hub) SubscribeShutdown() (uint64, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	ch := make(chan struct{})
	h.shutdown[id] = ch
	return id, ch
}

// UnsubscribeShutdown removes a shutdown subscription.
func (h *Hub) UnsubscribeShutdown(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.shutdown, id)
}

// PublishShutdown closes every shutdown subscriber's channel.
func (h *Hub) PublishShutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.shutdown {
		close(ch)
	}
	h.shutdown = make(map[uint64]chan struct{})
}

// SubscribeJobStarted registers for job-started events across all users.
func (h *Hub) SubscribeJobStarted() (uint64, <-chan JobStartedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	ch := make(chan JobStartedEvent, stateBufferSize)
	h.jobStarted[id] = ch
	return id, ch
}

// UnsubscribeJobStarted removes a job-started subscription.
func (h *Hub) UnsubscribeJobStarted(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.jobStarted, id)
}

// PublishJobStarted notifies every job-started subscriber. Delivery is
// best-effort and non-blocking.
func (h *Hub) PublishJobStarted(userID, problemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev := JobStartedEvent{UserID: userID, ProblemID: problemID}
	for _, ch := range h.jobStarted {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscribeProblemUpdated registers to be force-detached the next time
// problemID is published as updated.
func (h *Hub) SubscribeProblemUpdated(problemID string) (uint64, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	ch := make(chan struct{})
	if h.problemUpdated[problemID] == nil {
		h.problemUpdated[problemID] = make(map[uint64]chan struct{})
	}
	h.problemUpdated[problemID][id] = ch
	return id, ch
}

// UnsubscribeProblemUpdated removes a problem-updated subscription.
func (h *Hub) UnsubscribeProblemUpdated(problemID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.problemUpdated[problemID]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.problemUpdated, problemID)
	}
}

// PublishProblemUpdated forces every subscriber on problemID to detach by
// closing their channel, then forgets them.
func (h *Hub) PublishProblemUpdated(problemID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.problemUpdated[problemID] {
		close(ch)
	}
	delete(h.problemUpdated, problemID)
}

// SubscribeState registers for JobState updates on one user's job for one
// problem.
func (h *Hub) SubscribeState(userID, problemID string) (uint64, <-chan job.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.id()
	ch := make(chan job.State, stateBufferSize)
	key := jobKey(userID, problemID)
	if h.state[key] == nil {
		h.state[key] = make(map[uint64]chan job.State)
	}
	h.state[key][id] = ch
	return id, ch
}

// UnsubscribeState removes a state subscription.
func (h *Hub) UnsubscribeState(userID, problemID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := jobKey(userID, problemID)
	subs := h.state[key]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.state, key)
	}
}

// PublishState delivers s to every subscriber of this job's state. A
// subscriber whose buffer is full has its oldest undelivered value
// dropped and replaced, rather than blocking the engine that called this.
func (h *Hub) PublishState(userID, problemID string, s job.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := jobKey(userID, problemID)
	for _, ch := range h.state[key] {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
