package magma

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/magmastream/magmastream-go/pkg/track"
)

// Queue holds a player's upcoming tracks, the current track and a
// bounded history of finished tracks. All methods are safe for
// concurrent use.
//
// Every mutating method fires the owning player's queue-change
// notification exactly once, after the queue lock is released.
type Queue struct {
	mu          sync.Mutex
	current     track.Track
	tracks      []track.Track
	previous    []track.Track
	maxPrevious int

	// notify reports one completed mutation to the owning player.
	// May be nil for detached queues.
	notify func(QueueAction, []track.Track)
}

// NewQueue creates an empty queue whose history holds at most
// maxPrevious tracks.
func NewQueue(maxPrevious int) *Queue {
	if maxPrevious <= 0 {
		maxPrevious = defaultMaxPreviousTracks
	}
	return &Queue{maxPrevious: maxPrevious}
}

// Current returns the playing track, if any.
func (q *Queue) Current() (track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current, !q.current.IsZero()
}

// Tracks returns a copy of the upcoming tracks.
func (q *Queue) Tracks() []track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]track.Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// Previous returns a copy of the history, most recent first.
func (q *Queue) Previous() []track.Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]track.Track, len(q.previous))
	copy(out, q.previous)
	return out
}

// Size returns the number of upcoming tracks, excluding the current one.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// TotalSize returns the number of upcoming tracks plus the current one.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tracks)
	if !q.current.IsZero() {
		n++
	}
	return n
}

// Duration returns the combined duration of the current track and every
// upcoming track.
func (q *Queue) Duration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := q.current.Duration
	for _, t := range q.tracks {
		total += t.Duration
	}
	return total
}

// Add appends tracks to the queue. When nothing is playing, the first
// added track is promoted to current.
func (q *Queue) Add(tracks ...track.Track) {
	q.AddAt(-1, tracks...)
}

// AddAt inserts tracks at the given offset into the upcoming list; a
// negative offset or one past the end appends. Promotion of the first
// track to current happens before the offset applies.
func (q *Queue) AddAt(offset int, tracks ...track.Track) {
	if len(tracks) == 0 {
		return
	}
	q.mu.Lock()
	added := make([]track.Track, len(tracks))
	copy(added, tracks)
	if q.current.IsZero() {
		q.current = tracks[0]
		tracks = tracks[1:]
	}
	if len(tracks) > 0 {
		if offset < 0 || offset >= len(q.tracks) {
			q.tracks = append(q.tracks, tracks...)
		} else {
			q.tracks = append(q.tracks[:offset], append(append([]track.Track{}, tracks...), q.tracks[offset:]...)...)
		}
	}
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionAdd, added)
	}
}

// Remove deletes and returns the track at pos in the upcoming list.
func (q *Queue) Remove(pos int) (track.Track, error) {
	q.mu.Lock()
	if pos < 0 || pos >= len(q.tracks) {
		q.mu.Unlock()
		return track.Track{}, ErrPositionOutOfRange
	}
	removed := q.tracks[pos]
	q.tracks = append(q.tracks[:pos], q.tracks[pos+1:]...)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionRemove, []track.Track{removed})
	}
	return removed, nil
}

// RemoveRange deletes and returns the tracks in [start, end) of the
// upcoming list.
func (q *Queue) RemoveRange(start, end int) ([]track.Track, error) {
	q.mu.Lock()
	if start < 0 || end > len(q.tracks) || start >= end {
		q.mu.Unlock()
		return nil, ErrPositionOutOfRange
	}
	removed := make([]track.Track, end-start)
	copy(removed, q.tracks[start:end])
	q.tracks = append(q.tracks[:start], q.tracks[end:]...)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionRemove, removed)
	}
	return removed, nil
}

// Clear drops every upcoming track. The current track and history are
// untouched.
func (q *Queue) Clear() {
	q.mu.Lock()
	cleared := q.tracks
	q.tracks = nil
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionClear, cleared)
	}
}

// Shuffle randomises the order of the upcoming tracks.
func (q *Queue) Shuffle() {
	q.mu.Lock()
	rand.Shuffle(len(q.tracks), func(i, j int) {
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	})
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionShuffle, nil)
	}
}

// UserBlockShuffle reorders the upcoming tracks by interleaving one
// track per requester at a time, keeping each requester's tracks in
// their original order.
func (q *Queue) UserBlockShuffle() {
	q.mu.Lock()
	q.tracks = interleaveByRequester(q.tracks, false)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionUserBlock, nil)
	}
}

// RoundRobinShuffle shuffles each requester's tracks, then interleaves
// one track per requester at a time.
func (q *Queue) RoundRobinShuffle() {
	q.mu.Lock()
	q.tracks = interleaveByRequester(q.tracks, true)
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(QueueActionRoundRobin, nil)
	}
}

func interleaveByRequester(tracks []track.Track, shuffleGroups bool) []track.Track {
	if len(tracks) < 2 {
		return tracks
	}
	var order []string
	groups := map[string][]track.Track{}
	for _, t := range tracks {
		r := t.Requester
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], t)
	}
	if shuffleGroups {
		for _, r := range order {
			g := groups[r]
			rand.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		}
	}
	out := make([]track.Track, 0, len(tracks))
	for len(out) < len(tracks) {
		for _, r := range order {
			if g := groups[r]; len(g) > 0 {
				out = append(out, g[0])
				groups[r] = g[1:]
			}
		}
	}
	return out
}

// advance moves the next upcoming track into current, pushing the old
// current into history. Returns the new current track.
func (q *Queue) advance() (track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.current.IsZero() {
		q.pushPreviousLocked(q.current)
	}
	if len(q.tracks) == 0 {
		q.current = track.Track{}
		return track.Track{}, false
	}
	q.current = q.tracks[0]
	q.tracks = q.tracks[1:]
	return q.current, true
}

// dropUpcoming discards the first n upcoming tracks without touching
// history.
func (q *Queue) dropUpcoming(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.tracks) {
		n = len(q.tracks)
	}
	q.tracks = q.tracks[n:]
}

// recycle appends a finished track to the tail for queue repeat. No
// notification fires; rotation is not a user mutation.
func (q *Queue) recycle(t track.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, t)
}

// setCurrent replaces the current track without touching history.
func (q *Queue) setCurrent(t track.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = t
}

// popPrevious removes and returns the most recent history entry. The
// displaced current track, if any, is pushed to the front of the
// upcoming list.
func (q *Queue) popPrevious() (track.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.previous) == 0 {
		return track.Track{}, ErrNoPrevious
	}
	t := q.previous[0]
	q.previous = q.previous[1:]
	if !q.current.IsZero() {
		q.tracks = append([]track.Track{q.current}, q.tracks...)
	}
	q.current = t
	return t, nil
}

func (q *Queue) pushPreviousLocked(t track.Track) {
	q.previous = append([]track.Track{t}, q.previous...)
	if len(q.previous) > q.maxPrevious {
		q.previous = q.previous[:q.maxPrevious]
	}
}

// restore replaces the queue contents wholesale. Used when rehydrating
// a player from a snapshot; no notification fires.
func (q *Queue) restore(current track.Track, tracks, previous []track.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = current
	q.tracks = append([]track.Track{}, tracks...)
	q.previous = append([]track.Track{}, previous...)
	if len(q.previous) > q.maxPrevious {
		q.previous = q.previous[:q.maxPrevious]
	}
}
