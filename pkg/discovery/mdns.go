package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an MDNSAdvertiser.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the record TTL (default: zeroconf default).
	TTL time.Duration
}

// MDNSAdvertiser advertises a broker using zeroconf.
type MDNSAdvertiser struct {
	config AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewMDNSAdvertiser creates a new mDNS advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	return &MDNSAdvertiser{config: config}
}

// Advertise starts advertising info, replacing any earlier advertisement.
func (a *MDNSAdvertiser) Advertise(info *BrokerInfo) error {
	if err := ValidateInstanceName(info.InstanceName); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Stop existing if any
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	port := int(info.Port)
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		info.InstanceName,
		ServiceType,
		Domain,
		port,
		TXTRecordsToStrings(EncodeBrokerTXT(info)),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register broker service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops advertising.
func (a *MDNSAdvertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// BrowserConfig configures an MDNSBrowser.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// MDNSBrowser finds brokers using zeroconf.
type MDNSBrowser struct {
	config BrowserConfig
}

// NewMDNSBrowser creates a new mDNS browser.
func NewMDNSBrowser(config BrowserConfig) *MDNSBrowser {
	return &MDNSBrowser{config: config}
}

// Browse searches for brokers until ctx ends. Services are aggregated by
// instance name: addresses seen on several interfaces are combined and each
// broker is emitted once. Entries without a valid provider id are skipped.
func (b *MDNSBrowser) Browse(ctx context.Context) (<-chan *BrokerService, error) {
	out := make(chan *BrokerService)

	entries := make(chan *zeroconf.ServiceEntry)
	removedCh := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)

		// Track services by instance name, aggregating addresses
		services := make(map[string]*BrokerService)
		removed := (<-chan *zeroconf.ServiceEntry)(removedCh)

		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				svc := fromEntry(entry)
				if svc == nil {
					continue
				}

				if existing, found := services[svc.InstanceName]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.InstanceName] = svc
				emitted := *svc
				emitted.Addresses = append([]string(nil), svc.Addresses...)
				select {
				case out <- &emitted:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entryAddresses(entry))
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removedCh, opts...)
	}()

	return out, nil
}

// Find returns the first broker accepted by match, or the first broker at
// all when match is nil. It gives up with ErrNotFound when ctx ends.
func (b *MDNSBrowser) Find(ctx context.Context, match func(*BrokerService) bool) (*BrokerService, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case svc, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if match == nil || match(svc) {
				return svc, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// interfaces returns the named interface, or nil for all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// fromEntry converts a zeroconf entry, or returns nil if its TXT records
// are not those of a broker.
func fromEntry(entry *zeroconf.ServiceEntry) *BrokerService {
	return newBrokerService(entry.Instance, entry.HostName, entry.Port, entry.Text, entryAddresses(entry))
}

func newBrokerService(instance, host string, port int, text []string, addrs []string) *BrokerService {
	info, err := DecodeBrokerTXT(StringsToTXTRecords(text))
	if err != nil {
		return nil
	}
	return &BrokerService{
		InstanceName: instance,
		Host:         host,
		Port:         uint16(port),
		Addresses:    addrs,
		ProviderID:   info.ProviderID,
		TLS:          info.TLS,
		Version:      info.Version,
	}
}

func entryAddresses(entry *zeroconf.ServiceEntry) []string {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return addrs
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, new []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range new {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes gone from addresses.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
