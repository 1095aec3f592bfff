package message

import (
	"fmt"
	"strings"
	"time"
)

// NetworkType tags the protocol spoken by the nodes behind a gateway.
type NetworkType string

const (
	NetworkMySensors    NetworkType = "MY_SENSORS"
	NetworkPhantIO      NetworkType = "PHANT_IO"
	NetworkMyController NetworkType = "MY_CONTROLLER"
	NetworkRFLink       NetworkType = "RF_LINK"
)

var networkTypes = []NetworkType{NetworkMySensors, NetworkPhantIO, NetworkMyController, NetworkRFLink}

// ParseNetworkType accepts the canonical names case-insensitively; '-' is
// treated as '_' so "my-sensors" and "MY_SENSORS" are equivalent.
func ParseNetworkType(s string) (NetworkType, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, nt := range networkTypes {
		if string(nt) == norm {
			return nt, nil
		}
	}
	return "", fmt.Errorf("unknown network type %q", s)
}

// Raw is one framed message as read from a gateway, before any protocol
// interpretation. Values are immutable once built.
type Raw struct {
	GatewayID   int
	NetworkType NetworkType
	Data        string
	Timestamp   time.Time
}
