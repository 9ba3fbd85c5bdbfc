package rtc

import "sync"

// LocalMedia owns the captured camera/microphone tracks of one call. Track
// hardware handles stay inside the platform capture file; LocalMedia holds
// only stop closures and the enabled flags the UI toggles. Mute and video
// toggles are pure local state, idempotent per flip, with no signaling.
type LocalMedia struct {
	mu       sync.Mutex
	hasVideo bool
	audioOn  bool
	videoOn  bool
	stopped  bool
	stop     func()
}

// NewLocalMedia wraps captured tracks. stop releases the hardware and may
// be nil. Used by the platform capture paths and by test fakes.
func NewLocalMedia(hasVideo bool, stop func()) *LocalMedia {
	return &LocalMedia{
		hasVideo: hasVideo,
		audioOn:  true,
		videoOn:  hasVideo,
		stop:     stop,
	}
}

// SetAudioEnabled flips the microphone flag. Returns the muted state
// (true = muted) the way the UI displays it.
func (m *LocalMedia) SetAudioEnabled(on bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = on
	return !m.audioOn
}

// SetVideoEnabled flips the camera flag. No-op for voice-only media.
func (m *LocalMedia) SetVideoEnabled(on bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasVideo {
		m.videoOn = on
	}
	return !m.videoOn
}

func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioOn
}

func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoOn
}

func (m *LocalMedia) HasVideo() bool { return m.hasVideo }

// Stop releases the capture hardware. Idempotent.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}
