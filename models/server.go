package models

import (
	"net"
	"strconv"
)

// DefaultServerPort is used whenever the directory omits a connection port.
const DefaultServerPort = 32400

// Connection is one way to reach a media server.
type Connection struct {
	URI     string `json:"uri"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Local   bool   `json:"local"`
}

// DirectURI returns the plain http://address:port form of the connection.
func (c Connection) DirectURI() string {
	port := c.Port
	if port == 0 {
		port = DefaultServerPort
	}
	return "http://" + net.JoinHostPort(c.Address, strconv.Itoa(port))
}

// ServerRecord describes a discovered server and the connection currently in
// use. Records are treated as values: switching connections produces a new
// record through WithConnection.
type ServerRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	URI         string       `json:"uri"`
	ServerID    string       `json:"serverId"`
	Local       bool         `json:"local"`
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	Connections []Connection `json:"connections,omitempty"`
}

// WithConnection returns a copy of the record whose active endpoint is c.
// The connection list is copied so the original record stays untouched.
func (s ServerRecord) WithConnection(c Connection) ServerRecord {
	out := s
	out.URI = c.URI
	out.Address = c.Address
	out.Port = c.Port
	out.Local = c.Local
	out.Connections = append([]Connection(nil), s.Connections...)
	return out
}

// Active returns the active endpoint as a Connection.
func (s ServerRecord) Active() Connection {
	return Connection{URI: s.URI, Address: s.Address, Port: s.Port, Local: s.Local}
}

// Clone returns a deep copy of the record.
func (s ServerRecord) Clone() ServerRecord {
	s.Connections = append([]Connection(nil), s.Connections...)
	return s
}
