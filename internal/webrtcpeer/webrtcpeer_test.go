package webrtcpeer

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestApplyNetworkSettings_RejectsBadPortRange(t *testing.T) {
	for _, tc := range []struct {
		name     string
		min, max uint16
	}{
		{name: "max below min", min: 50010, max: 50000},
		{name: "min unset", min: 0, max: 50000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			se := webrtc.SettingEngine{}
			if err := ApplyNetworkSettings(&se, Settings{UDPPortMin: tc.min, UDPPortMax: tc.max}); err == nil {
				t.Fatalf("expected error for range %d-%d", tc.min, tc.max)
			}
		})
	}

	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, Settings{UDPPortMin: 50000, UDPPortMax: 50010}); err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l := NewSlogLoggerFactory(logger).NewLogger("ice")
	l.Tracef("hidden %d", 1)
	l.Debugf("gathered %d candidates", 3)
	l.Warn("slow")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("trace output leaked at debug level: %q", out)
	}
	if !strings.Contains(out, "gathered 3 candidates") || !strings.Contains(out, "pion_scope=ice") {
		t.Fatalf("missing debug line: %q", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("missing warn line: %q", out)
	}
}

func TestPeerConnectionsConnectOverVirtualLAN(t *testing.T) {
	lan, err := NewVirtualLAN("10.0.0.0/24", "10.0.0.1", "10.0.0.2")
	if err != nil {
		t.Fatalf("NewVirtualLAN: %v", err)
	}
	t.Cleanup(func() { _ = lan.Close() })

	newPC := func(i int) *webrtc.PeerConnection {
		s := Settings{Net: lan.Net(i)}
		api, err := NewAPI(s)
		if err != nil {
			t.Fatalf("NewAPI: %v", err)
		}
		pc, err := NewPeerConnection(api, s)
		if err != nil {
			t.Fatalf("NewPeerConnection: %v", err)
		}
		t.Cleanup(func() { _ = pc.Close() })
		return pc
	}
	pcA, pcB := newPC(0), newPC(1)

	pcA.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = pcB.AddICECandidate(c.ToJSON())
		}
	})
	pcB.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			_ = pcA.AddICECandidate(c.ToJSON())
		}
	})

	connected := make(chan struct{})
	var once sync.Once
	pcA.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			once.Do(func() { close(connected) })
		}
	})

	if _, err := pcA.CreateDataChannel("check", nil); err != nil {
		t.Fatalf("create datachannel: %v", err)
	}

	offer, err := pcA.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pcA.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if err := pcB.SetRemoteDescription(offer); err != nil {
		t.Fatalf("set remote offer: %v", err)
	}
	answer, err := pcB.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := pcB.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := pcA.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for connection; state=%s", pcA.ConnectionState())
	}
}
