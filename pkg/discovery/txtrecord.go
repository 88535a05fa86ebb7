package discovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeBrokerTXT creates TXT records for a broker.
func EncodeBrokerTXT(info *BrokerInfo) TXTRecordMap {
	txt := make(TXTRecordMap)

	txt[TXTKeyProvider] = info.ProviderID.String()
	if info.TLS {
		txt[TXTKeyTLS] = "1"
	}
	if info.Version != "" {
		txt[TXTKeyVersion] = info.Version
	}

	return txt
}

// DecodeBrokerTXT parses broker TXT records.
func DecodeBrokerTXT(txt TXTRecordMap) (*BrokerInfo, error) {
	info := &BrokerInfo{}

	pid, ok := txt[TXTKeyProvider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyProvider)
	}
	id, err := uuid.Parse(pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProvider, err)
	}
	info.ProviderID = id

	switch strings.ToLower(txt[TXTKeyTLS]) {
	case "1", "true", "yes":
		info.TLS = true
	}
	info.Version = txt[TXTKeyVersion]

	return info, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to a sorted slice of
// "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
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
