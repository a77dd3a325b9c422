package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHeaderBufferSize  = 8192
	DefaultSendBufferSize    = 8192
	DefaultClientMaxBodySize = 1 << 20
	DefaultKeepaliveTimeout  = 75 * time.Second
	DefaultCGITimeout        = 30 * time.Second
)

var (
	ConfigFile    string
	Verbose       bool
	DefaultConfig = &Config{
		LogLevel: "info",
		Servers: []Server{{
			Listen: []string{"127.0.0.1:8080"},
			Root:   "./www",
			Index:  "index.html",
			Locations: []Location{{
				Prefix: "/",
			}},
		}},
	}
)

type Config struct {
	// Log level: debug, info, warn or error.
	LogLevel string `yaml:"log_level,omitempty"`
	// Write logs to this file instead of stderr.
	LogFile string `yaml:"log_file,omitempty"`
	// Emit JSON instead of text logs.
	JSONLogs bool `yaml:"json_logs,omitempty"`
	// Whether to enable verbose logging.
	Verbose bool `yaml:"verbose,omitempty"`
	// Address of the Prometheus metrics endpoint. Disabled when empty.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// Run CGI programs through the server binary's cgi-exec entrypoint so
	// exec failures surface as a 500 written by the child.
	CGITrampoline bool `yaml:"cgi_trampoline,omitempty"`
	// Virtual servers.
	Servers []Server `yaml:"servers"`
}

// Server is a virtual server bound to one or more listen addresses.
type Server struct {
	Listen      []string `yaml:"listen"`
	ServerNames []string `yaml:"server_names,omitempty"`
	// Document root for locations that do not set their own.
	Root      string `yaml:"root"`
	Index     string `yaml:"index,omitempty"`
	AutoIndex bool   `yaml:"autoindex,omitempty"`
	// Status code to error page path, relative to the root.
	ErrorPages map[int]string `yaml:"error_pages,omitempty"`
	// Client address CIDRs. An empty allow list admits everyone.
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`

	HeaderBufferSize  int           `yaml:"header_buffer_size,omitempty"`
	SendBufferSize    int           `yaml:"send_buffer_size,omitempty"`
	ClientMaxBodySize int64         `yaml:"client_max_body_size,omitempty"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout,omitempty"`
	CGITimeout        time.Duration `yaml:"cgi_timeout,omitempty"`

	Locations []Location `yaml:"locations,omitempty"`
}

// Location applies a policy to request paths under Prefix.
type Location struct {
	Prefix     string         `yaml:"prefix"`
	Root       string         `yaml:"root,omitempty"`
	Index      string         `yaml:"index,omitempty"`
	AutoIndex  *bool          `yaml:"autoindex,omitempty"`
	Methods    []string       `yaml:"methods,omitempty"`
	ErrorPages map[int]string `yaml:"error_pages,omitempty"`
	CGI        *CGI           `yaml:"cgi,omitempty"`
}

// CGI marks files with the given extensions as CGI programs.
type CGI struct {
	Extensions []string `yaml:"extensions"`
	// Extension to interpreter path. Programs without an interpreter are
	// executed directly.
	Interpreters map[string]string `yaml:"interpreters,omitempty"`
}

func getDefaultConfigPath() string {
	return filepath.Join("/etc", "webserv", "webserv.yaml")
}

// Load reads ConfigFile, falling back to DefaultConfig when no file was
// given and the default one does not exist.
func Load() (*Config, error) {
	path := ConfigFile
	if path == "" {
		path = getDefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			cfg := *DefaultConfig
			cfg.Servers = append([]Server(nil), DefaultConfig.Servers...)
			cfg.Verbose = cfg.Verbose || Verbose
			cfg.SetDefaults()
			return &cfg, nil
		}
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	cfg, err := Parse(yamlFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Verbose = cfg.Verbose || Verbose
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Store writes cfg to path.
func Store(cfg *Config, path string) error {
	yamlFile, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, yamlFile, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}
	return nil
}

// SetDefaults fills in unset tunables.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.HeaderBufferSize == 0 {
			s.HeaderBufferSize = DefaultHeaderBufferSize
		}
		if s.SendBufferSize == 0 {
			s.SendBufferSize = DefaultSendBufferSize
		}
		if s.ClientMaxBodySize == 0 {
			s.ClientMaxBodySize = DefaultClientMaxBodySize
		}
		if s.KeepaliveTimeout == 0 {
			s.KeepaliveTimeout = DefaultKeepaliveTimeout
		}
		if s.CGITimeout == 0 {
			s.CGITimeout = DefaultCGITimeout
		}
		if len(s.Locations) == 0 {
			s.Locations = []Location{{Prefix: "/"}}
		}
	}
}

var knownMethods = map[string]bool{"GET": true, "POST": true, "DELETE": true}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("at least one server is required"))
	}
	for i, s := range c.Servers {
		where := fmt.Sprintf("servers[%d]", i)
		if len(s.Listen) == 0 {
			errs = append(errs, fmt.Errorf("%s: listen is required", where))
		}
		for _, addr := range s.Listen {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid listen address %q: %w", where, addr, err))
			}
		}
		if s.Root == "" {
			errs = append(errs, fmt.Errorf("%s: root is required", where))
		}
		for _, cidr := range append(append([]string{}, s.Allow...), s.Deny...) {
			if _, err := ParsePrefix(cidr); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		}
		for code := range s.ErrorPages {
			if code < 400 || code > 599 {
				errs = append(errs, fmt.Errorf("%s: error page for non-error status %d", where, code))
			}
		}
		for j, loc := range s.Locations {
			where := fmt.Sprintf("%s.locations[%d]", where, j)
			if !strings.HasPrefix(loc.Prefix, "/") {
				errs = append(errs, fmt.Errorf("%s: prefix %q must start with /", where, loc.Prefix))
			}
			for _, m := range loc.Methods {
				if !knownMethods[m] {
					errs = append(errs, fmt.Errorf("%s: unknown method %q", where, m))
				}
			}
			if loc.CGI != nil {
				if len(loc.CGI.Extensions) == 0 {
					errs = append(errs, fmt.Errorf("%s: cgi requires at least one extension", where))
				}
				for _, ext := range loc.CGI.Extensions {
					if !strings.HasPrefix(ext, ".") {
						errs = append(errs, fmt.Errorf("%s: cgi extension %q must start with a dot", where, ext))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// ParsePrefix parses a CIDR, accepting a bare address as a single-host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	return p.Masked(), nil
}
