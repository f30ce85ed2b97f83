// Package discovery finds long-poll servers on the local network with
// mDNS/DNS-SD.
//
// Servers advertise the service type _croquet._tcp. The instance name is a
// user-friendly server name. TXT records describe how to reach the endpoint:
//   - path: URL path the /xhr endpoints live under (default "/croquet")
//   - tls: "1" if the server expects https
//   - ver: protocol version (currently "1")
//
// A browsed Server aggregates the addresses reported on every interface and
// turns them into the base URL the transport connects to.
package discovery
