// Package exchange queries exchange account endpoints for the balance figure
// used as a user's trading volume.
package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// Name identifies a supported exchange
type Name string

const (
	Binance Name = "binance"
	Bybit   Name = "bybit"
	OKX     Name = "okx"
	MEXC    Name = "mexc"
	BingX   Name = "bingx"
	Bitget  Name = "bitget"
	LBank   Name = "lbank"
)

var ErrUnsupportedExchange = errors.New("unsupported exchange")

// Spec describes how to query one exchange and which response field holds the volume
type Spec struct {
	Name     Name
	BaseURL  string
	Endpoint string
	Header   string // name of the API key header
	Field    string // top-level JSON field carrying the balance
	InBTC    bool   // Field is denominated in BTC and must be converted to USD
}

// specs is the fixed exchange table. Adding an exchange is a new row here.
var specs = []Spec{
	{Name: Binance, BaseURL: "https://api.binance.com", Endpoint: "/api/v3/account", Header: "X-MBX-APIKEY", Field: "totalAssetOfBtc", InBTC: true},
	{Name: Bybit, BaseURL: "https://api.bybit.com", Endpoint: "/v5/account/wallet-balance", Header: "X-BAPI-API-KEY", Field: "totalWalletBalance"},
	{Name: OKX, BaseURL: "https://www.okx.com", Endpoint: "/api/v5/account/balance", Header: "OK-ACCESS-KEY", Field: "totalEq"},
	{Name: MEXC, BaseURL: "https://api.mexc.com", Endpoint: "/api/v3/account", Header: "X-MEXC-APIKEY", Field: "totalAssetOfBtc", InBTC: true},
	{Name: BingX, BaseURL: "https://api.bingx.com", Endpoint: "/api/v1/account", Header: "X-BX-APIKEY", Field: "totalEquity"},
	{Name: Bitget, BaseURL: "https://api.bitget.com", Endpoint: "/api/v2/spot/account/assets", Header: "ACCESS-KEY", Field: "totalAsset"},
	{Name: LBank, BaseURL: "https://api.lbank.com", Endpoint: "/v2/user/account", Header: "Authorization", Field: "totalAsset"},
}

// Supported returns every supported exchange in table order
func Supported() []Name {
	names := make([]Name, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// ParseName normalizes s and checks it against the supported set
func ParseName(s string) (Name, error) {
	name := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range specs {
		if known.Name == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedExchange, s)
}

// Endpoint is a Spec bound to the API key the process was configured with
type Endpoint struct {
	Spec
	APIKey string
}

// Registry is the read-only, process-wide exchange configuration.
// It is built once at startup and passed explicitly to clients.
type Registry struct {
	endpoints map[Name]Endpoint
	order     []Name
}

// RegistryOption customizes a registry entry
type RegistryOption func(*Registry)

// WithAPIKey sets the static API key sent to an exchange
func WithAPIKey(name Name, key string) RegistryOption {
	return func(r *Registry) {
		if ep, ok := r.endpoints[name]; ok {
			ep.APIKey = key
			r.endpoints[name] = ep
		}
	}
}

// WithBaseURL points an exchange at a different host
func WithBaseURL(name Name, baseURL string) RegistryOption {
	return func(r *Registry) {
		if ep, ok := r.endpoints[name]; ok && baseURL != "" {
			ep.BaseURL = strings.TrimRight(baseURL, "/")
			r.endpoints[name] = ep
		}
	}
}

// NewRegistry builds a registry over the full exchange table
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{endpoints: make(map[Name]Endpoint, len(specs))}
	for _, s := range specs {
		r.endpoints[s.Name] = Endpoint{Spec: s}
		r.order = append(r.order, s.Name)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the endpoint configured for name
func (r *Registry) Lookup(name Name) (Endpoint, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedExchange, name)
	}
	return ep, nil
}

// Names returns the configured exchanges in table order
func (r *Registry) Names() []Name {
	out := make([]Name, len(r.order))
	copy(out, r.order)
	return out
}
