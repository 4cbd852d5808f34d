package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhmv/models"
)

const jsonArrayBody = `[
  {
    "name": "Living Room",
    "clientIdentifier": "abc123",
    "provides": "server,player",
    "connections": [
      {"uri": "https://10-0-0-2.abc123.plex.direct:32400", "address": "10.0.0.2", "port": 32400, "local": true},
      {"uri": "https://84-1-2-3.abc123.plex.direct:8443", "address": "84.1.2.3", "port": "8443", "local": "0"},
      {"address": "10.0.0.3", "port": "", "local": 1},
      {"uri": "https://no-address.plex.direct:32400"},
      null,
      {"uri": "ftp://10.0.0.4:21", "address": "10.0.0.4", "local": false}
    ]
  },
  {"name": "Phone", "clientIdentifier": "p1", "provides": "player", "connections": []}
]`

func TestJSONNormalizerArray(t *testing.T) {
	out, err := JSONNormalizer{}.Normalize([]byte(jsonArrayBody))
	require.NoError(t, err)
	require.Len(t, out.Resources, 2)

	srv := out.Resources[0]
	assert.True(t, srv.IsServer())
	assert.Equal(t, "abc123", srv.ID)
	assert.Equal(t, []models.Connection{
		{URI: "https://10-0-0-2.abc123.plex.direct:32400", Address: "10.0.0.2", Port: 32400, Local: true},
		{URI: "https://84-1-2-3.abc123.plex.direct:8443", Address: "84.1.2.3", Port: 8443, Local: false},
		{URI: "http://10.0.0.3:32400", Address: "10.0.0.3", Port: 32400, Local: true},
	}, srv.Connections)

	assert.False(t, out.Resources[1].IsServer())
}

func TestJSONNormalizerEnvelopeAndSingleObjects(t *testing.T) {
	body := `{"MediaContainer":{"size":1,"Device":{
		"name":"","machineIdentifier":"m1","server":"1",
		"Connection":{"address":"192.168.1.10","local":"1"}
	}}}`
	out, err := JSONNormalizer{}.Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, out.Resources, 1)

	r := out.Resources[0]
	assert.Equal(t, "m1", r.ID)
	assert.Equal(t, "m1", r.Name, "name falls back to identifier")
	assert.True(t, r.IsServer())
	require.Len(t, r.Connections, 1)
	assert.Equal(t, "http://192.168.1.10:32400", r.Connections[0].URI)
}

func TestJSONNormalizerSkipsMalformedResources(t *testing.T) {
	body := `[
		{"name":"broken","clientIdentifier":"b","provides":"server","connections":[{"address":"1.2.3.4","port":"abc"}]},
		{"name":"no id","provides":"server"},
		"not an object",
		{"name":"ok","clientIdentifier":"ok","provides":["server"],"connections":[{"address":"1.2.3.5","local":true}]}
	]`
	out, err := JSONNormalizer{}.Normalize([]byte(body))
	require.NoError(t, err)

	ids := make([]string, 0, len(out.Resources))
	for _, r := range out.Resources {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "ok"}, ids)
	assert.Empty(t, out.Resources[0].Connections, "connection with a bad port is dropped")
	assert.Len(t, out.Skipped, 3)
}

func TestXMLNormalizer(t *testing.T) {
	body := `<?xml version="1.0" encoding="ISO-8859-1"?>
<MediaContainer size="3">
  <Device name="K` + "\xfc" + `che" clientIdentifier="x1" provides="server">
    <Connection protocol="https" address="84.1.2.3" port="32400" uri="https://84-1-2-3.x1.plex.direct:32400" local="0"/>
    <Connection protocol="http" address="10.0.0.9" port="bad" local="1"/>
    <Connection protocol="http" port="32400" uri="http://nohost.example:32400" local="1"/>
  </Device>
  <Device clientIdentifier="x2" provides="server"/>
  <Device name="Player" clientIdentifier="x3" provides="client,player"/>
</MediaContainer>`

	out, err := XMLNormalizer{}.Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, out.Resources, 2)
	assert.Len(t, out.Skipped, 1)

	r := out.Resources[0]
	assert.Equal(t, "Küche", r.Name)
	assert.True(t, r.IsServer())
	assert.Equal(t, []models.Connection{
		{URI: "https://84-1-2-3.x1.plex.direct:32400", Address: "84.1.2.3", Port: 32400},
		{URI: "http://10.0.0.9:32400", Address: "10.0.0.9", Port: 32400, Local: true},
	}, r.Connections)
	assert.False(t, out.Resources[1].IsServer())
}

func TestNormalizerFor(t *testing.T) {
	xmlBody := []byte(`<?xml version="1.0"?><MediaContainer/>`)
	jsonBody := []byte(`[{"name":"x"}]`)

	assert.IsType(t, XMLNormalizer{}, NormalizerFor("application/xml; charset=utf-8", xmlBody))
	assert.IsType(t, JSONNormalizer{}, NormalizerFor("application/json", jsonBody))
	assert.IsType(t, XMLNormalizer{}, NormalizerFor("application/json", xmlBody), "body contradicts declared json")
	assert.IsType(t, XMLNormalizer{}, NormalizerFor("", xmlBody))
	assert.IsType(t, JSONNormalizer{}, NormalizerFor("text/plain", jsonBody))
	assert.IsType(t, XMLNormalizer{}, NormalizerFor("", []byte(`  <MediaContainer size="0"></MediaContainer>`)))
	assert.Nil(t, NormalizerFor("text/plain", []byte("service unavailable")))
	assert.Nil(t, NormalizerFor("", nil))
}
