package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface. Empty means all.
	Interface string

	// TTL of the records. Zero uses the library default.
	TTL time.Duration

	Logger *slog.Logger
}

// Advertiser announces a long-poll server on the local network.
type Advertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Advertiser{
		config: config,
		logger: logger.With("component", "discovery"),
	}
}

// Advertise starts announcing info, replacing a previous announcement.
func (a *Advertiser) Advertise(info *ServerInfo) error {
	if err := ValidateInstanceName(info.Name); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

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
		info.Name,
		ServiceType,
		Domain,
		port,
		TXTRecordsToStrings(EncodeTXT(info)),
		selectInterfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	a.server = server
	a.logger.Info("advertising", "name", info.Name, "port", port)
	return nil
}

// Stop withdraws the announcement. It is a no-op if nothing is advertised.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface. Empty means all.
	Interface string

	Logger *slog.Logger
}

// Browser finds long-poll servers on the local network.
type Browser struct {
	config BrowserConfig
	logger *slog.Logger
}

// NewBrowser creates a Browser.
func NewBrowser(config BrowserConfig) *Browser {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Browser{
		config: config,
		logger: logger.With("component", "discovery"),
	}
}

// Browse emits each newly discovered server until ctx is done. Servers are
// aggregated by instance name: addresses from multiple interfaces are
// combined into a single entry.
func (b *Browser) Browse(ctx context.Context) (<-chan *Server, error) {
	out := make(chan *Server)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := selectInterfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)

		agg := newAggregator()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				srv, fresh, err := agg.add(fromZeroconf(entry))
				if err != nil {
					b.logger.Debug("ignoring service", "instance", entry.Instance, "error", err)
					continue
				}
				if !fresh {
					continue
				}
				select {
				case out <- srv:
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				agg.remove(fromZeroconf(entry))

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			b.logger.Warn("browse failed", "error", err)
		}
	}()

	return out, nil
}

// Find returns the first server found, or the one named name if name is not
// empty. Without a deadline on ctx, BrowseTimeout applies.
func (b *Browser) Find(ctx context.Context, name string) (*Server, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, BrowseTimeout)
		defer cancel()
	}

	results, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case srv, ok := <-results:
			if !ok {
				return nil, ErrNotFound
			}
			if name == "" || srv.Name == name {
				return srv, nil
			}
		case <-ctx.Done():
			return nil, ErrNotFound
		}
	}
}

// aggregator tracks browsed servers by instance name.
type aggregator struct {
	servers map[string]*Server
}

func newAggregator() *aggregator {
	return &aggregator{servers: make(map[string]*Server)}
}

// add records an entry. fresh reports whether the server was not known yet;
// otherwise its addresses were merged into the known one.
func (g *aggregator) add(entry *ServiceEntry) (srv *Server, fresh bool, err error) {
	srv, err = entry.ToServer()
	if err != nil {
		return nil, false, err
	}
	if existing, found := g.servers[srv.Name]; found {
		existing.Addresses = mergeAddresses(existing.Addresses, srv.Addresses)
		return existing, false, nil
	}
	g.servers[srv.Name] = srv
	return srv, true, nil
}

// remove drops the entry's addresses, and the server once none remain.
func (g *aggregator) remove(entry *ServiceEntry) {
	existing, found := g.servers[entry.Instance]
	if !found {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
	if len(existing.Addresses) == 0 {
		delete(g.servers, entry.Instance)
	}
}

func fromZeroconf(entry *zeroconf.ServiceEntry) *ServiceEntry {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return &ServiceEntry{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     uint16(entry.Port),
		Text:     entry.Text,
		Addrs:    addrs,
	}
}

// selectInterfaces returns the named interface, or nil for all interfaces.
func selectInterfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, gone []string) []string {
	drop := make(map[string]bool, len(gone))
	for _, addr := range gone {
		drop[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !drop[addr] {
			result = append(result, addr)
		}
	}
	return result
}
