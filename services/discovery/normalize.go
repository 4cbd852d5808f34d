package discovery

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"

	"yhmv/internal/jsonx"
	"yhmv/models"
)

// ErrUnparseable is returned when a resource list is neither JSON nor XML.
var ErrUnparseable = errors.New("resource list is neither JSON nor XML")

// Resource is a directory entry after decoding, before reachability probing.
// Connections only holds usable candidates.
type Resource struct {
	Name        string
	ID          string
	Provides    []string
	ServerFlag  bool
	Connections []models.Connection
}

// IsServer reports whether the resource advertises server capability.
func (r Resource) IsServer() bool {
	if r.ServerFlag {
		return true
	}
	for _, p := range r.Provides {
		if strings.EqualFold(strings.TrimSpace(p), "server") {
			return true
		}
	}
	return false
}

// RawConnection is a connection entry as the directory reported it.
type RawConnection struct {
	URI     string
	Address string
	Port    int
	Local   bool
}

// Normalized is the output of a Normalizer. Skipped collects the reasons
// individual resources were dropped.
type Normalized struct {
	Resources []Resource
	Skipped   []error
}

// Normalizer decodes one wire format of the directory resource list.
type Normalizer interface {
	Normalize(body []byte) (Normalized, error)
}

// NormalizerFor picks a decoder from the declared content type, sniffing the
// body when the type is missing or generic. It returns nil when neither
// format applies.
func NormalizerFor(contentType string, body []byte) Normalizer {
	first := firstByte(body)
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.Contains(mediaType, "xml"):
			return XMLNormalizer{}
		case strings.Contains(mediaType, "json") && first != '<':
			return JSONNormalizer{}
		}
	}

	for m := mimetype.Detect(body); m != nil; m = m.Parent() {
		switch {
		case m.Is("application/json"):
			return JSONNormalizer{}
		case m.Is("text/xml"), m.Is("application/xml"):
			return XMLNormalizer{}
		}
	}

	switch first {
	case '<':
		return XMLNormalizer{}
	case '{', '[':
		return JSONNormalizer{}
	}
	return nil
}

func firstByte(body []byte) byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// usableConnections applies the candidate rules: entries without an address
// are dropped, a missing URI is synthesized (http for local, https for
// remote) and the result must be an http(s) URL with a host.
func usableConnections(raw []RawConnection) []models.Connection {
	out := make([]models.Connection, 0, len(raw))
	for _, rc := range raw {
		address := strings.TrimSpace(rc.Address)
		if address == "" {
			continue
		}
		port := rc.Port
		if port <= 0 {
			port = models.DefaultServerPort
		}
		uri := strings.TrimRight(strings.TrimSpace(rc.URI), "/")
		if uri == "" {
			scheme := "https"
			if rc.Local {
				scheme = "http"
			}
			uri = scheme + "://" + net.JoinHostPort(address, strconv.Itoa(port))
		}
		if !validURI(uri) {
			continue
		}
		out = append(out, models.Connection{URI: uri, Address: address, Port: port, Local: rc.Local})
	}
	return out
}

func validURI(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// JSONNormalizer accepts a bare resource array or a MediaContainer.Device
// envelope. Field types are lenient: local may be a bool, "1" or 1 and port
// may be a number or a string.
type JSONNormalizer struct{}

type jsonEnvelope struct {
	MediaContainer *struct {
		Device jsonx.OneOrMany[json.RawMessage] `json:"Device"`
	} `json:"MediaContainer"`
}

type jsonResource struct {
	Name              string                            `json:"name"`
	ClientIdentifier  string                            `json:"clientIdentifier"`
	MachineIdentifier string                            `json:"machineIdentifier"`
	Provides          jsonx.FlexList                    `json:"provides"`
	Capabilities      jsonx.FlexList                    `json:"capabilities"`
	Server            jsonx.FlexBool                    `json:"server"`
	Connection        jsonx.OneOrMany[json.RawMessage] `json:"Connection"`
	Connections       jsonx.OneOrMany[json.RawMessage] `json:"connections"`
}

type jsonConnection struct {
	URI     string         `json:"uri"`
	Address string         `json:"address"`
	Port    jsonx.FlexInt  `json:"port"`
	Local   jsonx.FlexBool `json:"local"`
}

func (JSONNormalizer) Normalize(body []byte) (Normalized, error) {
	var items []json.RawMessage
	switch firstByte(body) {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return Normalized{}, fmt.Errorf("decode resource array: %w", err)
		}
	case '{':
		var env jsonEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return Normalized{}, fmt.Errorf("decode resource envelope: %w", err)
		}
		if env.MediaContainer != nil {
			items = env.MediaContainer.Device
		}
	default:
		return Normalized{}, ErrUnparseable
	}

	var out Normalized
	for i, item := range items {
		var jr jsonResource
		if err := json.Unmarshal(item, &jr); err != nil {
			out.Skipped = append(out.Skipped, fmt.Errorf("resource %d: %w", i, err))
			continue
		}
		id := jr.ClientIdentifier
		if id == "" {
			id = jr.MachineIdentifier
		}
		if id == "" {
			out.Skipped = append(out.Skipped, fmt.Errorf("resource %d (%s): missing identifier", i, jr.Name))
			continue
		}
		name := jr.Name
		if name == "" {
			name = id
		}

		provides := jr.Provides
		if len(provides) == 0 {
			provides = jr.Capabilities
		}

		rawConns := jr.Connection
		if len(rawConns) == 0 {
			rawConns = jr.Connections
		}
		conns := make([]RawConnection, 0, len(rawConns))
		for j, rc := range rawConns {
			var jc jsonConnection
			if err := json.Unmarshal(rc, &jc); err != nil {
				out.Skipped = append(out.Skipped, fmt.Errorf("resource %s connection %d: %w", name, j, err))
				continue
			}
			conns = append(conns, RawConnection{URI: jc.URI, Address: jc.Address, Port: jc.Port.Int(), Local: jc.Local.Bool()})
		}

		out.Resources = append(out.Resources, Resource{
			Name:        name,
			ID:          id,
			Provides:    provides,
			ServerFlag:  jr.Server.Bool(),
			Connections: usableConnections(conns),
		})
	}
	return out, nil
}

// XMLNormalizer decodes the legacy <MediaContainer><Device>... document.
// Declared charsets other than UTF-8 are honoured.
type XMLNormalizer struct{}

type xmlContainer struct {
	XMLName xml.Name    `xml:"MediaContainer"`
	Devices []xmlDevice `xml:"Device"`
}

type xmlDevice struct {
	Name             string          `xml:"name,attr"`
	ClientIdentifier string          `xml:"clientIdentifier,attr"`
	Provides         string          `xml:"provides,attr"`
	Connections      []xmlConnection `xml:"Connection"`
}

type xmlConnection struct {
	URI     string `xml:"uri,attr"`
	Address string `xml:"address,attr"`
	Port    string `xml:"port,attr"`
	Local   string `xml:"local,attr"`
}

func (XMLNormalizer) Normalize(body []byte) (Normalized, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = charset.NewReaderLabel

	var doc xmlContainer
	if err := dec.Decode(&doc); err != nil {
		return Normalized{}, fmt.Errorf("decode resource xml: %w", err)
	}

	var out Normalized
	for i, d := range doc.Devices {
		if d.Name == "" || d.ClientIdentifier == "" {
			out.Skipped = append(out.Skipped, fmt.Errorf("device %d: missing name or identifier", i))
			continue
		}
		conns := make([]RawConnection, 0, len(d.Connections))
		for _, c := range d.Connections {
			port, err := strconv.Atoi(strings.TrimSpace(c.Port))
			if err != nil {
				port = models.DefaultServerPort
			}
			local := c.Local == "1" || strings.EqualFold(c.Local, "true")
			conns = append(conns, RawConnection{URI: c.URI, Address: c.Address, Port: port, Local: local})
		}
		out.Resources = append(out.Resources, Resource{
			Name:        d.Name,
			ID:          d.ClientIdentifier,
			Provides:    jsonx.SplitList(d.Provides),
			Connections: usableConnections(conns),
		})
	}
	return out, nil
}
