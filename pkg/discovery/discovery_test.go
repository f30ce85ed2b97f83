package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info ServerInfo
		want ServerInfo
	}{
		{"defaults", ServerInfo{}, ServerInfo{Path: DefaultPath}},
		{"custom path", ServerInfo{Path: "/api/sync"}, ServerInfo{Path: "/api/sync"}},
		{"tls", ServerInfo{Path: "/x", TLS: true}, ServerInfo{Path: "/x", TLS: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strs := TXTRecordsToStrings(EncodeTXT(&tt.info))
			got, err := DecodeTXT(StringsToTXTRecords(strs))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestDecodeTXTErrors(t *testing.T) {
	_, err := DecodeTXT(TXTRecordMap{TXTKeyVersion: "2"})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = DecodeTXT(TXTRecordMap{TXTKeyPath: "relative"})
	assert.ErrorIs(t, err, ErrInvalidTXTRecord)

	_, err = DecodeTXT(TXTRecordMap{TXTKeyTLS: "yes"})
	assert.ErrorIs(t, err, ErrInvalidTXTRecord)

	// Missing version is accepted.
	info, err := DecodeTXT(TXTRecordMap{})
	require.NoError(t, err)
	assert.Equal(t, DefaultPath, info.Path)
}

func TestTXTStrings(t *testing.T) {
	strs := TXTRecordsToStrings(TXTRecordMap{"b": "2", "a": "1"})
	assert.Equal(t, []string{"a=1", "b=2"}, strs)

	txt := StringsToTXTRecords([]string{"k=v=w", "flag", ""})
	assert.Equal(t, TXTRecordMap{"k": "v=w", "flag": ""}, txt)
}

func TestServerURL(t *testing.T) {
	srv := &Server{Name: "a", Host: "host.local.", Port: 8080, Path: "/croquet"}
	u, err := srv.URL()
	require.NoError(t, err)
	assert.Equal(t, "http://host.local.:8080/croquet", u)

	srv.Addresses = []string{"fe80::1", "10.0.0.2"}
	srv.TLS = true
	u, err = srv.URL()
	require.NoError(t, err)
	assert.Equal(t, "https://[fe80::1]:8080/croquet", u)

	_, err = (&Server{Name: "empty"}).URL()
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, ValidateInstanceName("Office Server"))
	assert.Error(t, ValidateInstanceName(""))
	assert.ErrorIs(t, ValidateInstanceName(strings.Repeat("x", 64)), ErrInstanceNameTooLong)
}

func TestFromZeroconf(t *testing.T) {
	entry := &zeroconf.ServiceEntry{}
	entry.Instance = "Office"
	entry.HostName = "office.local."
	entry.Port = 9000
	entry.Text = []string{"path=/sync", "ver=1"}
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::5")}

	got := fromZeroconf(entry)
	assert.Equal(t, &ServiceEntry{
		Instance: "Office",
		Host:     "office.local.",
		Port:     9000,
		Text:     []string{"path=/sync", "ver=1"},
		Addrs:    []string{"192.168.1.5", "fe80::5"},
	}, got)

	srv, err := got.ToServer()
	require.NoError(t, err)
	assert.Equal(t, "Office", srv.Name)
	assert.Equal(t, "/sync", srv.Path)
	assert.False(t, srv.TLS)
}

func TestAggregator(t *testing.T) {
	g := newAggregator()
	text := []string{"ver=1"}

	srv, fresh, err := g.add(&ServiceEntry{Instance: "a", Port: 1, Text: text, Addrs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	assert.True(t, fresh)

	same, fresh, err := g.add(&ServiceEntry{Instance: "a", Port: 1, Text: text, Addrs: []string{"10.0.0.1", "10.0.1.1"}})
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Same(t, srv, same)
	assert.Equal(t, []string{"10.0.0.1", "10.0.1.1"}, srv.Addresses)

	_, _, err = g.add(&ServiceEntry{Instance: "b", Text: []string{"ver=9"}})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	g.remove(&ServiceEntry{Instance: "a", Addrs: []string{"10.0.0.1"}})
	assert.Equal(t, []string{"10.0.1.1"}, srv.Addresses)
	g.remove(&ServiceEntry{Instance: "a", Addrs: []string{"10.0.1.1"}})
	assert.Empty(t, g.servers)

	// Unknown instances are ignored.
	g.remove(&ServiceEntry{Instance: "zzz"})
}
