package webrtcpeer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
)

// VirtualLAN is an in-process network for running peers without touching
// host sockets.
type VirtualLAN struct {
	router *vnet.Router
	nets   []*vnet.Net
}

// NewVirtualLAN starts a router on cidr with one Net per static IP.
func NewVirtualLAN(cidr string, ips ...string) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("new router: %w", err)
	}

	lan := &VirtualLAN{router: router}
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			return nil, fmt.Errorf("new net %s: %w", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			return nil, fmt.Errorf("add net %s: %w", ip, err)
		}
		lan.nets = append(lan.nets, n)
	}

	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("start router: %w", err)
	}
	return lan, nil
}

// Net returns the i'th host network, in the order the IPs were given.
func (l *VirtualLAN) Net(i int) *vnet.Net {
	return l.nets[i]
}

func (l *VirtualLAN) Close() error {
	return l.router.Stop()
}
