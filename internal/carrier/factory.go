package carrier

import (
	"fmt"
	"strings"

	"shipping-service/config"
)

// NewGateway builds the gateway selected by CARRIER_PROVIDER
func NewGateway(cfg config.CarrierConfig) (Gateway, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", mockName:
		return NewMockGateway(), nil
	case shippoName:
		return NewShippoGateway(cfg)
	default:
		return nil, &Error{Op: "configure", Carrier: cfg.Provider, Kind: KindConfig, Err: fmt.Errorf("unknown carrier provider %q", cfg.Provider)}
	}
}
