package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	// ServiceType is the DNS-SD service type of long-poll servers.
	ServiceType = "_croquet._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// DefaultPort is the port advertised when none is configured.
	DefaultPort = 8080

	// DefaultPath is the URL path advertised when none is configured.
	DefaultPath = "/croquet"

	// ProtocolVersion is the advertised protocol version.
	ProtocolVersion = "1"

	// BrowseTimeout is the default timeout for Find.
	BrowseTimeout = 5 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyPath    = "path"
	TXTKeyTLS     = "tls"
	TXTKeyVersion = "ver"
)

// Discovery errors.
var (
	ErrNotFound            = errors.New("no server found")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrUnsupportedVersion  = errors.New("unsupported protocol version")
	ErrInstanceNameTooLong = errors.New("instance name exceeds 63 characters")
	ErrNoAddress           = errors.New("server has no address")
)

// ServerInfo is what a server advertises.
type ServerInfo struct {
	// Name is the instance name.
	Name string

	Port uint16

	// Path is the URL path of the endpoint.
	Path string

	TLS bool
}

// Server is a discovered long-poll server.
type Server struct {
	Name      string
	Host      string
	Port      uint16
	Addresses []string
	Path      string
	TLS       bool
}

// URL returns the base URL of the server, using its first address, or the
// host name if no address is known.
func (s *Server) URL() (string, error) {
	host := s.Host
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	if host == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, s.Name)
	}

	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(int(s.Port))),
		Path:   s.Path,
	}
	return u.String(), nil
}

// ServiceEntry is a raw DNS-SD result, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// ToServer converts the entry into a Server.
func (e *ServiceEntry) ToServer() (*Server, error) {
	info, err := DecodeTXT(StringsToTXTRecords(e.Text))
	if err != nil {
		return nil, err
	}
	return &Server{
		Name:      e.Instance,
		Host:      e.Host,
		Port:      e.Port,
		Addresses: append([]string(nil), e.Addrs...),
		Path:      info.Path,
		TLS:       info.TLS,
	}, nil
}

// ValidateInstanceName checks if an instance name is valid for mDNS.
func ValidateInstanceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInstanceNameTooLong)
	}
	if len(name) > MaxInstanceNameLen {
		return ErrInstanceNameTooLong
	}
	return nil
}
