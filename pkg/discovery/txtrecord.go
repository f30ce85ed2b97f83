package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records of a server.
func EncodeTXT(info *ServerInfo) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyVersion: ProtocolVersion,
		TXTKeyPath:    info.Path,
	}
	if txt[TXTKeyPath] == "" {
		txt[TXTKeyPath] = DefaultPath
	}
	if info.TLS {
		txt[TXTKeyTLS] = "1"
	}
	return txt
}

// DecodeTXT parses the TXT records of a server. Name and Port are not part
// of the records and stay empty.
func DecodeTXT(txt TXTRecordMap) (*ServerInfo, error) {
	if v, ok := txt[TXTKeyVersion]; ok && v != ProtocolVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}

	info := &ServerInfo{Path: txt[TXTKeyPath]}
	if info.Path == "" {
		info.Path = DefaultPath
	}
	if !strings.HasPrefix(info.Path, "/") {
		return nil, fmt.Errorf("%w: path %q", ErrInvalidTXTRecord, info.Path)
	}

	switch txt[TXTKeyTLS] {
	case "", "0":
	case "1":
		info.TLS = true
	default:
		return nil, fmt.Errorf("%w: tls %q", ErrInvalidTXTRecord, txt[TXTKeyTLS])
	}
	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
// This format is commonly used by mDNS libraries.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		parts := strings.SplitN(s, "=", 2)
		if len(parts) == 2 {
			txt[parts[0]] = parts[1]
		} else if len(parts) == 1 && parts[0] != "" {
			// Key without value (boolean flag)
			txt[parts[0]] = ""
		}
	}
	return txt
}
