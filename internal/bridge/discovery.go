package bridge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

// DiscoveredBridge is a candidate bridge found on the network. Source
// records which mechanism saw it first.
type DiscoveredBridge struct {
	ID     string `json:"id,omitempty"`
	Host   string `json:"host"`
	Source string `json:"source"`
}

// mdnsService is the service name bridges announce on the local
// network.
const mdnsService = "_hue._tcp"

// Discover looks for bridges via local mDNS and the vendor's cloud
// registration endpoint, in parallel. Both sources are best-effort: a
// failing one is logged and skipped. Results are de-duplicated by
// bridge id (falling back to host) and sorted by host.
func Discover(ctx context.Context, timeout time.Duration) []DiscoveredBridge {
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	c := newCollector()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		discoverViaMDNS(ctx, timeout, c.add)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		discoverViaCloud(ctx, c.add)
	}()

	wg.Wait()

	return c.result()
}

// collector merges discovery results across sources. The first source
// to report a bridge wins; later sightings of the same id are dropped.
type collector struct {
	mu      sync.Mutex
	seen    map[string]bool
	bridges []DiscoveredBridge
}

func newCollector() *collector {
	return &collector{seen: make(map[string]bool)}
}

func (c *collector) add(b DiscoveredBridge) {
	key := strings.ToLower(b.ID)
	if key == "" {
		key = b.Host
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" || c.seen[key] {
		return
	}
	c.seen[key] = true
	c.bridges = append(c.bridges, b)
}

func (c *collector) result() []DiscoveredBridge {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]DiscoveredBridge(nil), c.bridges...)
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func discoverViaMDNS(ctx context.Context, timeout time.Duration, add func(DiscoveredBridge)) {
	entries := make(chan *mdns.ServiceEntry, 16)

	go func() {
		params := &mdns.QueryParam{
			Service:             mdnsService,
			Domain:              "local",
			Timeout:             timeout,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: true,
		}
		if err := mdns.Query(params); err != nil {
			log.Warn().Err(err).Msg("mDNS bridge query failed")
		}
		close(entries)
	}()

	for entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.AddrV4 == nil {
			continue
		}
		host := entry.AddrV4.String()
		id := ""
		for _, field := range entry.InfoFields {
			if v, ok := strings.CutPrefix(field, "bridgeid="); ok {
				id = v
				break
			}
		}
		log.Debug().Str("host", host).Str("bridge_id", id).Msg("Bridge found via mDNS")
		add(DiscoveredBridge{ID: id, Host: host, Source: "mdns"})
	}
}

func discoverViaCloud(ctx context.Context, add func(DiscoveredBridge)) {
	found, err := huego.DiscoverAllContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cloud bridge discovery failed")
		return
	}
	for _, b := range found {
		if b.Host == "" {
			continue
		}
		log.Debug().Str("host", b.Host).Str("bridge_id", b.ID).Msg("Bridge found via cloud lookup")
		add(DiscoveredBridge{ID: b.ID, Host: b.Host, Source: "cloud"})
	}
}
