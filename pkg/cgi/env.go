// Package cgi runs CGI/1.1 programs as child processes connected to the
// server through non-blocking pipes.
package cgi

import (
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"github.com/apoxy-dev/webserv/pkg/http1"
)

var baseVars = []string{
	"AUTH_TYPE",
	"CONTENT_LENGTH",
	"CONTENT_TYPE",
	"GATEWAY_INTERFACE",
	"PATH_INFO",
	"PATH_TRANSLATED",
	"QUERY_STRING",
	"REMOTE_ADDR",
	"REMOTE_HOST",
	"REMOTE_IDENT",
	"REMOTE_USER",
	"REQUEST_METHOD",
	"SCRIPT_NAME",
	"SERVER_NAME",
	"SERVER_PROTOCOL",
	"SERVER_SOFTWARE",
}

// Env is an ordered set of environment variables. It starts with the
// standard CGI/1.1 meta-variables, all empty except GATEWAY_INTERFACE.
type Env struct {
	names  []string
	values map[string]string
}

// NewEnv returns an Env holding the standard meta-variables.
func NewEnv() *Env {
	e := &Env{values: make(map[string]string, len(baseVars)+8)}
	for _, name := range baseVars {
		e.Set(name, "")
	}
	e.Set("GATEWAY_INTERFACE", "CGI/1.1")
	return e
}

// Set overrides name, or appends it when not yet present.
func (e *Env) Set(name, value string) {
	if _, ok := e.values[name]; !ok {
		e.names = append(e.names, name)
	}
	e.values[name] = value
}

// Get returns the value of name.
func (e *Env) Get(name string) (string, bool) {
	v, ok := e.values[name]
	return v, ok
}

// SetHeader exposes a request header as HTTP_<NAME>, with dashes turned
// into underscores. A Proxy header is dropped: HTTP_PROXY is read as the
// outbound proxy by HTTP clients in the program (httpoxy).
func (e *Env) SetHeader(key, value string) {
	if strings.EqualFold(key, "proxy") {
		return
	}
	name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	e.Set(name, value)
}

// Environ returns the variables as NAME=value strings in insertion order.
func (e *Env) Environ() []string {
	env := make([]string, 0, len(e.names))
	for _, name := range e.names {
		env = append(env, name+"="+e.values[name])
	}
	return env
}

// Len returns the number of variables.
func (e *Env) Len() int { return len(e.names) }

// RequestInfo is what a CGI program learns about the request that invoked
// it.
type RequestInfo struct {
	Request       *http1.Request
	ContentLength int64
	// Script is the filesystem path of the program.
	Script     string
	RemoteAddr netip.AddrPort
	ServerName string
	ServerPort int
	Software   string
}

// NewRequestEnv returns the environment for running a program on behalf of
// info.Request.
func NewRequestEnv(info *RequestInfo) *Env {
	req := info.Request
	e := NewEnv()
	if info.ContentLength > 0 || req.Method == http1.MethodPost {
		e.Set("CONTENT_LENGTH", strconv.FormatInt(info.ContentLength, 10))
	}
	e.Set("CONTENT_TYPE", req.Header.Get("content-type"))
	e.Set("PATH_INFO", req.Path)
	e.Set("PATH_TRANSLATED", info.Script)
	e.Set("QUERY_STRING", req.Query)
	if info.RemoteAddr.IsValid() {
		addr := info.RemoteAddr.Addr().Unmap().String()
		e.Set("REMOTE_ADDR", addr)
		e.Set("REMOTE_HOST", addr)
	}
	e.Set("REQUEST_METHOD", req.Method.String())
	e.Set("SCRIPT_NAME", req.Path)
	e.Set("SERVER_NAME", info.ServerName)
	e.Set("SERVER_PROTOCOL", req.Version)
	e.Set("SERVER_SOFTWARE", info.Software)

	e.Set("SCRIPT_FILENAME", info.Script)
	e.Set("SERVER_PORT", strconv.Itoa(info.ServerPort))
	// Required by php-cgi when force-cgi-redirect is on.
	e.Set("REDIRECT_STATUS", "200")

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// Already passed as CONTENT_*.
		if k == "content-type" || k == "content-length" {
			continue
		}
		e.SetHeader(k, req.Header[k])
	}
	return e
}
