// Package webrtcpeer builds the pion API and PeerConnections used by the room
// client.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Settings tune the pion stack for one client process.
type Settings struct {
	ICEServers []webrtc.ICEServer

	// UDPPortMin and UDPPortMax restrict the ephemeral ICE port range. Both
	// zero leaves it unrestricted.
	UDPPortMin uint16
	UDPPortMax uint16

	// ListenIP, when set and not unspecified, limits candidate gathering to
	// that address.
	ListenIP net.IP

	// Net replaces the host network stack. Tests pass a vnet.Net.
	Net transport.Net

	// Logger receives pion's internal logs. Nil keeps pion's default logger.
	Logger *slog.Logger
}

// NewAPI returns a pion API with the default codecs and interceptors (the
// stats interceptor among them, which Coordinator.Stats relies on).
func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, s); err != nil {
		return nil, err
	}
	if s.Logger != nil {
		se.LoggerFactory = NewSlogLoggerFactory(s.Logger)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s Settings) error {
	if s.UDPPortMin != 0 || s.UDPPortMax != 0 {
		if s.UDPPortMin == 0 || s.UDPPortMax < s.UDPPortMin {
			return fmt.Errorf("invalid udp port range %d-%d", s.UDPPortMin, s.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if s.Net != nil {
		se.SetNet(s.Net)
	}

	// SettingEngine has no bind address; IPFilter restricts gathering instead.
	if s.ListenIP != nil && !s.ListenIP.IsUnspecified() {
		listenIP := s.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// NewPeerConnection creates a PeerConnection on api configured with s's ICE
// servers. A nil api uses pion's defaults.
func NewPeerConnection(api *webrtc.API, s Settings) (*webrtc.PeerConnection, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: s.ICEServers})
}
