package magma

import "errors"

var (
	// ErrNotInitialized is returned when an operation requires Init to
	// have been called first.
	ErrNotInitialized = errors.New("magma: manager not initialized")

	// ErrNoUseableNode is returned when no connected node can serve a
	// request.
	ErrNoUseableNode = errors.New("magma: no useable node available")

	// ErrNodeNotFound is returned when a node identifier does not match
	// any node in the pool.
	ErrNodeNotFound = errors.New("magma: node not found")

	// ErrPlayerNotFound is returned when a guild has no player.
	ErrPlayerNotFound = errors.New("magma: player not found")

	// ErrNoSession is returned when a REST call needs a node session id
	// before the node reported ready.
	ErrNoSession = errors.New("magma: node has no session id yet")

	// ErrNoVoiceChannel is returned when Connect is called on a player
	// without a voice channel set.
	ErrNoVoiceChannel = errors.New("magma: no voice channel id set")

	// ErrNoCurrentTrack is returned when a playback operation needs a
	// current track and there is none.
	ErrNoCurrentTrack = errors.New("magma: no current track")

	// ErrQueueEmpty is returned when Play is called with nothing queued.
	ErrQueueEmpty = errors.New("magma: queue is empty")

	// ErrNoPrevious is returned by Previous when the history is empty.
	ErrNoPrevious = errors.New("magma: no previous track")

	// ErrVolumeOutOfRange is returned for volumes outside 0 to 1000.
	ErrVolumeOutOfRange = errors.New("magma: volume must be between 0 and 1000")

	// ErrPositionOutOfRange is returned for queue positions outside the
	// queue bounds.
	ErrPositionOutOfRange = errors.New("magma: position out of range")

	// ErrPlayerDestroyed is returned from operations on a destroyed
	// player.
	ErrPlayerDestroyed = errors.New("magma: player destroyed")
)
