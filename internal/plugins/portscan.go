package plugins

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/dshills/ctfever/internal/plugin"
)

// MaxScanPorts bounds the ports in one scan.
const MaxScanPorts = 1000

// DefaultDialTimeout is the per-port connect timeout.
const DefaultDialTimeout = 3 * time.Second

// PortResult describes an open port.
type PortResult struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	State   string `json:"state"`
	Service string `json:"service"`
}

// ScanResult is the outcome of a scan.
type ScanResult struct {
	Host  string             `json:"host"`
	Total int                `json:"total"`
	Open  int                `json:"open"`
	Ports map[int]PortResult `json:"ports"`
}

// portscanConfig is the portscan config document. host_blacklist entries
// are glob patterns matched against the requested host.
type portscanConfig struct {
	PortServices  map[string]string `json:"port_services"`
	HostBlacklist []string          `json:"host_blacklist"`
}

// Portscan probes TCP ports of a host. Connection attempts run on the
// shared worker pool.
type Portscan struct {
	plugin.Base

	services  map[string]string
	blacklist []glob.Glob
	patterns  []string
	timeout   time.Duration
	resolver  *net.Resolver
}

// NewPortscan creates the portscan plugin.
func NewPortscan(pctx *plugin.Context) (plugin.Plugin, error) {
	return &Portscan{
		Base:     plugin.NewBase(pctx),
		timeout:  DefaultDialTimeout,
		resolver: net.DefaultResolver,
	}, nil
}

func (p *Portscan) Load(context.Context) plugin.LoadOutcome {
	store, err := p.Ctx.OpenConfig("", portscanConfig{PortServices: map[string]string{}, HostBlacklist: []string{}})
	if err != nil {
		return plugin.Failed(err)
	}
	doc, err := store.All()
	if err != nil {
		return plugin.Failed(err)
	}

	p.services = map[string]string{}
	if m, ok := doc["port_services"].(map[string]any); ok {
		for port, name := range m {
			p.services[port] = fmt.Sprint(name)
		}
	}

	patterns := stringList(doc["host_blacklist"])
	if v, ok := p.Ctx.Setting("blacklist"); ok {
		patterns = append(patterns, stringList(v)...)
	}
	for _, pat := range patterns {
		g, err := glob.Compile(pat)
		if err != nil {
			return plugin.Failed(fmt.Errorf("host_blacklist pattern %q: %w", pat, err))
		}
		p.blacklist = append(p.blacklist, g)
		p.patterns = append(p.patterns, pat)
	}

	if v, ok := p.Ctx.Setting("timeout"); ok {
		secs, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		if err != nil || secs <= 0 {
			return plugin.Failed(fmt.Errorf("setting timeout: invalid value %v", v))
		}
		p.timeout = time.Duration(secs * float64(time.Second))
	}
	return plugin.Ok()
}

// Exclude hides the methods listed in the "exclude" setting.
func (p *Portscan) Exclude() []string {
	v, _ := p.Ctx.Setting("exclude")
	return stringList(v)
}

// ValidateParams requires host and ports. An empty bag belongs to a
// param-less method and is accepted.
func (p *Portscan) ValidateParams(_ context.Context, args plugin.Args) string {
	if len(args) == 0 {
		return ""
	}
	if s, _ := args.String("host"); s == "" {
		return "host is required"
	}
	if s, _ := args.String("ports"); s == "" {
		return "ports is required"
	}
	return ""
}

func (p *Portscan) Capabilities() []plugin.Capability {
	return []plugin.Capability{
		{Name: "scan", Params: []string{"host", "ports"}, Handler: p.scan},
		{Name: "services", Handler: p.listServices},
	}
}

func (p *Portscan) listServices(context.Context, plugin.Args) (any, error) {
	out := make(map[string]string, len(p.services))
	for k, v := range p.services {
		out[k] = v
	}
	return out, nil
}

func (p *Portscan) scan(ctx context.Context, args plugin.Args) (any, error) {
	host, _ := args.String("host")
	list, _ := args.String("ports")

	for i, g := range p.blacklist {
		if g.Match(host) {
			return nil, fmt.Errorf("host '%s' is not allowed (%s)", host, p.patterns[i])
		}
	}
	ports, err := ParsePorts(list)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("can not resolve '%s'", host)
	}
	ip := addrs[0].IP.String()

	results := p.probe(ctx, ip, ports)
	p.Logger().Info("scan finished", "host", host, "ip", ip, "ports", len(ports), "open", len(results),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return ScanResult{Host: ip, Total: len(ports), Open: len(results), Ports: results}, nil
}

// probe dials every port concurrently and collects the open ones.
func (p *Portscan) probe(ctx context.Context, ip string, ports []int) map[int]PortResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[int]PortResult)
	)
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			err := p.Ctx.Offload(ctx, func() error {
				if !p.dial(ctx, ip, port) {
					return nil
				}
				service := p.services[strconv.Itoa(port)]
				if service == "" {
					service = "unknown"
				}
				mu.Lock()
				results[port] = PortResult{Address: ip, Port: port, State: "open", Service: service}
				mu.Unlock()
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				p.Logger().Debug("probe not run", "port", port, "error", err)
			}
		}(port)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make(map[int]PortResult, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

func (p *Portscan) dial(ctx context.Context, ip string, port int) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ParsePorts expands a port list such as "22,80,8000-8010". Ranges may be
// reversed. Every port must be in 1-65535 and at most MaxScanPorts may be
// requested.
func ParsePorts(list string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, isRange := strings.Cut(part, "-"); isRange {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || !validPort(start) || !validPort(end) {
				return nil, fmt.Errorf("invalid port range '%s'", part)
			}
			if start > end {
				start, end = end, start
			}
			if len(ports)+end-start+1 > MaxScanPorts {
				return nil, fmt.Errorf("too many ports, max %d", MaxScanPorts)
			}
			for n := start; n <= end; n++ {
				ports = append(ports, n)
			}
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || !validPort(n) {
			return nil, fmt.Errorf("invalid port '%s'", part)
		}
		ports = append(ports, n)
	}
	if len(ports) > MaxScanPorts {
		return nil, fmt.Errorf("too many ports, max %d", MaxScanPorts)
	}
	sort.Ints(ports)
	return ports, nil
}

func validPort(n int) bool {
	return n >= 1 && n <= 65535
}

func stringList(v any) []string {
	var out []string
	switch list := v.(type) {
	case []string:
		out = append(out, list...)
	case []any:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
