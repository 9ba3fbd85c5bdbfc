package rtc

import "testing"

func TestLocalMediaToggles(t *testing.T) {
	m := NewLocalMedia(true, nil)

	if !m.AudioEnabled() || !m.VideoEnabled() {
		t.Fatal("tracks should start enabled")
	}

	if muted := m.SetAudioEnabled(false); !muted {
		t.Fatal("disabling audio should report muted")
	}
	if muted := m.SetAudioEnabled(false); !muted {
		t.Fatal("repeated disable should stay muted")
	}
	if muted := m.SetAudioEnabled(true); muted {
		t.Fatal("re-enabling audio should report unmuted")
	}

	if off := m.SetVideoEnabled(false); !off {
		t.Fatal("disabling video should report disabled")
	}
	if !m.HasVideo() {
		t.Fatal("video capability should not change with the toggle")
	}
}

func TestVoiceOnlyMediaIgnoresVideoToggle(t *testing.T) {
	m := NewLocalMedia(false, nil)

	if m.VideoEnabled() {
		t.Fatal("voice-only media should have video off")
	}
	if off := m.SetVideoEnabled(true); !off {
		t.Fatal("video toggle must be a no-op without a camera track")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var stops int
	m := NewLocalMedia(false, func() { stops++ })
	m.Stop()
	m.Stop()
	if stops != 1 {
		t.Fatalf("stop ran %d times", stops)
	}
}

func TestConnStateString(t *testing.T) {
	if StateConnected.String() != "connected" || StateFailed.String() != "failed" {
		t.Fatal("state names wrong")
	}
}
