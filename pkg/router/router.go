// Package router maps requests onto the configured virtual servers and their
// locations.
package router

import (
	"fmt"
	"net/netip"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dpeckett/triemap"

	"github.com/apoxy-dev/webserv/config"
	"github.com/apoxy-dev/webserv/pkg/http1"
)

// Limits are the per-server I/O tunables.
type Limits struct {
	HeaderBufferSize  int
	SendBufferSize    int
	ClientMaxBodySize int64
	KeepaliveTimeout  time.Duration
	CGITimeout        time.Duration
}

type virtualServer struct {
	cfg       config.Server
	names     []string
	locations []*Route
	allow     *triemap.TrieMap[struct{}]
	deny      *triemap.TrieMap[struct{}]
	// An empty allow list admits everyone.
	allowAll bool
	limits   Limits
}

// Router resolves requests against an immutable snapshot of the
// configuration. Build a new Router to apply a new configuration.
type Router struct {
	servers []*virtualServer
	// Listen address to the servers bound to it, in configuration order.
	byListen map[string][]*virtualServer
}

// New builds a Router from a validated configuration.
func New(cfg *config.Config) (*Router, error) {
	r := &Router{byListen: make(map[string][]*virtualServer)}
	for i := range cfg.Servers {
		vs, err := newVirtualServer(cfg.Servers[i])
		if err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		r.servers = append(r.servers, vs)
		for _, addr := range vs.cfg.Listen {
			r.byListen[addr] = append(r.byListen[addr], vs)
		}
	}
	if len(r.servers) == 0 {
		return nil, fmt.Errorf("no servers configured")
	}
	return r, nil
}

func newVirtualServer(s config.Server) (*virtualServer, error) {
	vs := &virtualServer{
		cfg:      s,
		allowAll: len(s.Allow) == 0,
		allow:    triemap.New[struct{}](),
		deny:     triemap.New[struct{}](),
		limits: Limits{
			HeaderBufferSize:  s.HeaderBufferSize,
			SendBufferSize:    s.SendBufferSize,
			ClientMaxBodySize: s.ClientMaxBodySize,
			KeepaliveTimeout:  s.KeepaliveTimeout,
			CGITimeout:        s.CGITimeout,
		},
	}
	for _, name := range s.ServerNames {
		vs.names = append(vs.names, strings.ToLower(name))
	}
	for _, cidr := range s.Allow {
		p, err := config.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		vs.allow.Insert(p, struct{}{})
	}
	for _, cidr := range s.Deny {
		p, err := config.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		vs.deny.Insert(p, struct{}{})
	}

	for i := range s.Locations {
		vs.locations = append(vs.locations, newRoute(vs, &s.Locations[i]))
	}
	if len(vs.locations) == 0 {
		vs.locations = append(vs.locations, newRoute(vs, &config.Location{Prefix: "/"}))
	}
	// Longest prefix first so the first match wins.
	sort.SliceStable(vs.locations, func(i, j int) bool {
		return len(vs.locations[i].prefix) > len(vs.locations[j].prefix)
	})
	return vs, nil
}

func (vs *virtualServer) name() string {
	if len(vs.names) > 0 {
		return vs.names[0]
	}
	return vs.cfg.Listen[0]
}

func (vs *virtualServer) matchesHost(host string) bool {
	for _, n := range vs.names {
		if n == host {
			return true
		}
	}
	return false
}

func (vs *virtualServer) allowClient(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !vs.allowAll {
		if _, ok := vs.allow.Get(addr); !ok {
			return false
		}
	}
	_, denied := vs.deny.Get(addr)
	return !denied
}

func (vs *virtualServer) resolve(p string) *Route {
	for _, loc := range vs.locations {
		if loc.matches(p) {
			return loc
		}
	}
	return nil
}

// Listeners returns every configured listen address, in configuration order.
func (r *Router) Listeners() []string {
	var addrs []string
	for _, vs := range r.servers {
		for _, addr := range vs.cfg.Listen {
			if len(r.byListen[addr]) > 0 && r.byListen[addr][0] == vs {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

// candidates returns the servers bound to listen, or all servers when listen
// is empty or unknown.
func (r *Router) candidates(listen string) []*virtualServer {
	if vss, ok := r.byListen[listen]; ok {
		return vss
	}
	return r.servers
}

func (r *Router) selectServer(listen, host string) *virtualServer {
	vss := r.candidates(listen)
	host = strings.ToLower(host)
	for _, vs := range vss {
		if vs.matchesHost(host) {
			return vs
		}
	}
	// The first server for an address is its default.
	return vss[0]
}

// Resolve returns the route for a request to host and path across all
// servers. It returns nil when no location matches.
func (r *Router) Resolve(host, path string) *Route {
	return r.ResolveOn("", host, path)
}

// ResolveOn is Resolve restricted to the servers bound to the listen address.
func (r *Router) ResolveOn(listen, host, path string) *Route {
	return r.selectServer(listen, host).resolve(path)
}

// Limits returns the tunables of the default server for listen.
func (r *Router) Limits(listen string) Limits {
	return r.candidates(listen)[0].limits
}

// AllowClient reports whether a client at addr may connect to listen. The
// decision uses the default server for that address since the host is not
// known before the request arrives.
func (r *Router) AllowClient(listen string, addr netip.Addr) bool {
	return r.candidates(listen)[0].allowClient(addr)
}

// Routes returns every route, grouped by server in configuration order.
func (r *Router) Routes() []*Route {
	var routes []*Route
	for _, vs := range r.servers {
		routes = append(routes, vs.locations...)
	}
	return routes
}

// Route is the policy for requests under a location prefix.
type Route struct {
	server     *virtualServer
	prefix     string
	root       string
	index      string
	autoIndex  bool
	methods    map[http1.Method]bool
	errorPages map[int]string
	cgi        *config.CGI
}

func newRoute(vs *virtualServer, loc *config.Location) *Route {
	rt := &Route{
		server:     vs,
		prefix:     loc.Prefix,
		root:       vs.cfg.Root,
		index:      vs.cfg.Index,
		autoIndex:  vs.cfg.AutoIndex,
		errorPages: make(map[int]string),
		cgi:        loc.CGI,
	}
	if loc.Root != "" {
		rt.root = loc.Root
	}
	if loc.Index != "" {
		rt.index = loc.Index
	}
	if loc.AutoIndex != nil {
		rt.autoIndex = *loc.AutoIndex
	}
	for code, page := range vs.cfg.ErrorPages {
		rt.errorPages[code] = page
	}
	for code, page := range loc.ErrorPages {
		rt.errorPages[code] = page
	}
	if len(loc.Methods) > 0 {
		rt.methods = make(map[http1.Method]bool)
		for _, m := range loc.Methods {
			rt.methods[http1.ParseMethod(m)] = true
		}
	}
	return rt
}

// matches reports whether p falls under the prefix. A prefix without a
// trailing slash only matches whole path segments.
func (rt *Route) matches(p string) bool {
	if !strings.HasPrefix(p, rt.prefix) {
		return false
	}
	if len(p) == len(rt.prefix) || strings.HasSuffix(rt.prefix, "/") {
		return true
	}
	return p[len(rt.prefix)] == '/'
}

// Prefix returns the location prefix.
func (rt *Route) Prefix() string { return rt.prefix }

// ServerName returns the primary name of the owning server.
func (rt *Route) ServerName() string { return rt.server.name() }

// Limits returns the owning server's tunables.
func (rt *Route) Limits() Limits { return rt.server.limits }

// Root returns the document root.
func (rt *Route) Root() string { return rt.root }

// IndexPage returns the file served for directory requests, if any.
func (rt *Route) IndexPage() string { return rt.index }

// AutoIndex reports whether directory listings are generated.
func (rt *Route) AutoIndex() bool { return rt.autoIndex }

// Methods returns the allowed methods, or nil when all are allowed.
func (rt *Route) Methods() []string {
	if rt.methods == nil {
		return nil
	}
	var ms []string
	for m := range rt.methods {
		ms = append(ms, m.String())
	}
	sort.Strings(ms)
	return ms
}

// AllowsMethod reports whether m may be used under this route.
func (rt *Route) AllowsMethod(m http1.Method) bool {
	return rt.methods == nil || rt.methods[m]
}

// Translate maps a request path onto the filesystem: the path is appended to
// the root.
func (rt *Route) Translate(p string) string {
	return filepath.Join(rt.root, filepath.FromSlash(p))
}

// ErrorPage returns the filesystem path of the page configured for status,
// location pages taking precedence over server pages. The boolean is false
// when none is configured.
func (rt *Route) ErrorPage(status int) (string, bool) {
	page, ok := rt.errorPages[status]
	if !ok {
		return "", false
	}
	return filepath.Join(rt.root, filepath.FromSlash(page)), true
}

// Program is a resolved CGI invocation.
type Program struct {
	// Script is the filesystem path of the requested file.
	Script string
	// Argv is the command line: the interpreter followed by the script, or
	// the script alone.
	Argv []string
}

// CGI reports whether the request path names a CGI program under this route
// and returns how to run it.
func (rt *Route) CGI(p string) (*Program, bool) {
	if rt.cgi == nil {
		return nil, false
	}
	ext := path.Ext(p)
	for _, e := range rt.cgi.Extensions {
		if strings.EqualFold(e, ext) {
			script := rt.Translate(p)
			prog := &Program{Script: script, Argv: []string{script}}
			if interp, ok := rt.cgi.Interpreters[e]; ok && interp != "" {
				prog.Argv = []string{interp, script}
			}
			return prog, true
		}
	}
	return nil, false
}

// IsCGI reports whether the route serves CGI programs at all.
func (rt *Route) IsCGI() bool { return rt.cgi != nil }

// CGIExtensions returns the configured CGI extensions.
func (rt *Route) CGIExtensions() []string {
	if rt.cgi == nil {
		return nil
	}
	return rt.cgi.Extensions
}
