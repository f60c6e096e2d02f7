package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
)

const (
	// DefaultBrokerType is the DNS-SD service type MQTT brokers advertise.
	DefaultBrokerType = "_mqtt._tcp"
	DefaultDomain     = "local"
)

var ErrNoBroker = errors.New("no MQTT broker found")

type ServiceInfo struct {
	Name   string // instance name
	Type   string // service type, e.g., "_mqtt._tcp"
	Domain string // domain, e.g., "local"
	Addr   net.IP
	Port   int
}

// BrokerURL formats the service as an MQTT broker address.
func (s ServiceInfo) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(s.Addr.String(), strconv.Itoa(s.Port))
}

// DiscoveryResult carries either a snapshot of known services or an error.
type DiscoveryResult struct {
	Services []ServiceInfo
	Error    error
}

type Adapter interface {
	Announce(ctx context.Context, service ServiceInfo) error
	Discover(ctx context.Context, service string) <-chan DiscoveryResult
}

// FindBroker returns the first broker the adapter reports before ctx is done.
func FindBroker(ctx context.Context, adapter Adapter) (ServiceInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := adapter.Discover(ctx, DefaultBrokerType+"."+DefaultDomain+".")
	for {
		select {
		case <-ctx.Done():
			return ServiceInfo{}, ErrNoBroker
		case result, ok := <-results:
			if !ok {
				return ServiceInfo{}, ErrNoBroker
			}
			if result.Error != nil {
				return ServiceInfo{}, result.Error
			}
			for _, service := range result.Services {
				if service.Addr != nil {
					return service, nil
				}
			}
		}
	}
}
