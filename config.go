package dnsresolver

import (
	"net"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"github.com/miekg/dns"

	"github.com/corvidae/dnsresolver/rrcache"
)

// Config is the TOML-loadable configuration for a Resolver: its
// configured nameservers and search paths, cache resource bounds, and the
// per-mode iteration caps (spec §5, §6 "Configuration inputs").
type Config struct {
	Nameservers []string `toml:"nameservers"`
	SearchPath  []string `toml:"search_path"`

	StubResolver bool `toml:"stub_resolver"`

	CacheMaxBytes   int `toml:"cache_max_bytes"`
	CacheMaxRecords int `toml:"cache_max_records"`

	MaxIterationsRecursive int `toml:"max_iterations_recursive"`
	MaxIterationsIterative int `toml:"max_iterations_iterative"`
}

// LoadConfigFile reads and validates a TOML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every nameserver address and search-path domain
// independently, collecting every problem found (not just the first) into
// one error.
func (c *Config) Validate() error {
	var result *multierror.Error

	for _, ns := range c.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			if ip := net.ParseIP(ns); ip == nil {
				result = multierror.Append(result, &net.AddrError{Err: "invalid nameserver address", Addr: ns})
			}
		}
	}
	for _, sp := range c.SearchPath {
		if _, ok := dns.IsDomainName(sp); !ok {
			result = multierror.Append(result, &net.AddrError{Err: "invalid search path domain", Addr: sp})
		}
	}

	return result.ErrorOrNil()
}

// Apply configures r to match c: nameservers, search paths, cache, stub
// mode and iteration caps.
func (c *Config) Apply(r *Resolver) {
	for _, ns := range c.Nameservers {
		r.AddNameserver(normalizeNameserver(ns))
	}
	for _, sp := range c.SearchPath {
		r.AddSearchPath(sp)
	}
	r.SetStubResolver(c.StubResolver)

	if c.CacheMaxBytes > 0 || c.CacheMaxRecords > 0 {
		r.SetCache(rrcache.New(c.CacheMaxBytes, c.CacheMaxRecords))
	}
	if c.MaxIterationsRecursive > 0 {
		r.maxIterationsRecursive = c.MaxIterationsRecursive
	}
	if c.MaxIterationsIterative > 0 {
		r.maxIterationsIterative = c.MaxIterationsIterative
	}
}

func normalizeNameserver(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(53))
}

// LoadSystemServers reads the host's resolv.conf-style configuration (via
// the codec's own parser, an external collaborator per §1) and returns its
// nameservers and search domains. It reads only the resolv.conf-format file
// at path (default /etc/resolv.conf) and returns an error if that file does
// not exist; there is no fallback for platforms without one.
func LoadSystemServers(path string) (nameservers, searchPath []string, err error) {
	if path == "" {
		path = "/etc/resolv.conf"
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, nil, statErr
	}

	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, nil, err
	}

	for _, srv := range cc.Servers {
		nameservers = append(nameservers, net.JoinHostPort(srv, cc.Port))
	}
	searchPath = append(searchPath, cc.Search...)
	return nameservers, searchPath, nil
}
