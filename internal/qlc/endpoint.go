// Package qlc is a client for the QLC+ WebSocket API.
//
// QLC+ speaks an unframed, pipe-delimited text protocol with no request
// identifiers: a reply is recognised by echoing the first two tokens of the
// command that asked for it. The Client therefore runs one correlated
// exchange at a time per connection.
package qlc

import (
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultPort is the port QLC+ serves its web interface on.
	DefaultPort = 9999

	// DefaultTimeout bounds the wait for a matching reply.
	DefaultTimeout = 5 * time.Second

	// wsPath is the WebSocket endpoint of the QLC+ web interface.
	wsPath = "/qlcplusWS"
)

// Endpoint identifies a QLC+ server and the credentials used at handshake.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string

	// Timeout is the response window for correlated commands.
	Timeout time.Duration
}

func (e Endpoint) withDefaults() Endpoint {
	if e.Port == 0 {
		e.Port = DefaultPort
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	return e
}

// Address returns host:port.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

// URL returns the WebSocket URL of the QLC+ API.
func (e Endpoint) URL() string {
	u := url.URL{Scheme: "ws", Host: e.Address(), Path: wsPath}
	return u.String()
}

// Header returns the handshake headers. A Basic credential is attached only
// when both username and password are set.
func (e Endpoint) Header() http.Header {
	header := http.Header{}
	if e.Username != "" && e.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(e.Username + ":" + e.Password))
		header.Set("Authorization", "Basic "+credentials)
	}
	return header
}
