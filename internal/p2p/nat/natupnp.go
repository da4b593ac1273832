package nat

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway1"
)

// upnp adapts a discovered UPnP WANIPConnection/WANPPPConnection client to
// the Interface contract.
type upnp struct {
	dev     *goupnp.RootDevice
	service string
	client  upnpClient
}

type upnpClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(string, uint16, string, uint16, string, bool, string, uint32) error
	DeletePortMapping(string, uint16, string) error
}

func (n *upnp) ExternalIP() (net.IP, error) {
	ipString, err := n.client.GetExternalIPAddress()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(ipString)
	if ip == nil {
		return nil, fmt.Errorf("bad IP in response")
	}
	return ip, nil
}

func (n *upnp) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	ip, err := n.internalAddress()
	if err != nil {
		return nil
	}
	protocol = strings.ToUpper(protocol)
	n.DeleteMapping(protocol, extport, intport)
	return n.client.AddPortMapping("", uint16(extport), protocol, uint16(intport), ip.String(), true, name, uint32(lifetime/time.Second))
}

func (n *upnp) internalAddress() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return ipnet.IP, nil
			}
		}
	}
	return nil, fmt.Errorf("no non-loopback interface found")
}

func (n *upnp) DeleteMapping(protocol string, extport, intport int) error {
	return n.client.DeletePortMapping("", uint16(extport), strings.ToUpper(protocol))
}

func (n *upnp) String() string {
	return "UPnP"
}

// discoverUPnP searches for UPnP Internet Gateway Devices on the local
// network and returns the first WANIPConnection1 service found.
func discoverUPnP() Interface {
	found := make(chan *upnp, 2)
	go discoverWANIPConnection1(found)
	select {
	case r := <-found:
		return r
	case <-time.After(10 * time.Second):
		return nil
	}
}

func discoverWANIPConnection1(out chan<- *upnp) {
	clients, errs, err := internetgateway1.NewWANIPConnection1Clients()
	if err != nil || len(errs) == len(clients) {
		out <- nil
		return
	}
	for _, c := range clients {
		out <- &upnp{dev: c.ServiceClient.RootDevice, service: "WANIPConnection1", client: c}
		return
	}
	out <- nil
}
