package nat

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

// pmp adapts jackpal/go-nat-pmp's Client to the Interface contract.
type pmp struct {
	gw net.IP
	c  *natpmp.Client
}

func (n *pmp) String() string {
	return fmt.Sprintf("NAT-PMP(%v)", n.gw)
}

func (n *pmp) ExternalIP() (net.IP, error) {
	response, err := n.c.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return response.ExternalIPAddress[:], nil
}

func (n *pmp) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = mapTimeout
	}
	seconds := int(lifetime / time.Second)
	_, err := n.c.AddPortMapping(protoLower(protocol), intport, extport, seconds)
	return err
}

func (n *pmp) DeleteMapping(protocol string, extport, intport int) error {
	_, err := n.c.AddPortMapping(protoLower(protocol), intport, 0, 0)
	return err
}

func protoLower(protocol string) string {
	switch protocol {
	case "TCP", "tcp":
		return "tcp"
	default:
		return "udp"
	}
}

// discoverPMP auto-detects a NAT-PMP gateway by probing the default gateway
// addresses of the host's local network interfaces.
func discoverPMP() Interface {
	gws := likelyGateways()
	for _, gw := range gws {
		c := natpmp.NewClient(gw)
		if _, err := c.GetExternalAddress(); err == nil {
			return &pmp{gw: gw, c: c}
		}
	}
	return nil
}

func likelyGateways() []net.IP {
	var gws []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return gws
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			gw := make(net.IP, len(ipNet.IP.To4()))
			copy(gw, ipNet.IP.To4())
			gw[3] = 1
			gws = append(gws, gw)
		}
	}
	return gws
}
