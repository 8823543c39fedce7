package network

import "fmt"

// Default RPC endpoints, used for any network a deployment does not override.
const (
	DefaultMainnetEndpoint     = "https://cloudflare-eth.com"
	DefaultGoerliEndpoint      = "https://rpc.ankr.com/eth_goerli"
	DefaultDevelopmentEndpoint = "http://localhost:8545"
)

// Registry is an immutable network to endpoint table. It is built once at
// startup and handed to the components that need it.
type Registry struct {
	endpoints map[Network]string
}

// DefaultRegistry returns a registry with the default endpoint of every network.
func DefaultRegistry() *Registry {
	return &Registry{
		endpoints: map[Network]string{
			Mainnet:     DefaultMainnetEndpoint,
			Goerli:      DefaultGoerliEndpoint,
			Development: DefaultDevelopmentEndpoint,
		},
	}
}

// NewRegistry builds a registry from the defaults plus overrides keyed by
// network name. Override names are parsed strictly.
func NewRegistry(overrides map[string]string) (*Registry, error) {
	r := DefaultRegistry()
	for name, endpoint := range overrides {
		n, err := ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		if endpoint == "" {
			return nil, fmt.Errorf("empty endpoint for network %s", n)
		}
		r.endpoints[n] = endpoint
	}
	return r, nil
}

// Resolve parses a network name.
func (r *Registry) Resolve(name string) (Network, error) {
	return ParseNetwork(name)
}

// ResolveByte maps a wire tag to a network.
func (r *Registry) ResolveByte(b byte) Network {
	return FromByte(b)
}

// Endpoint returns the RPC endpoint URL of a network.
func (r *Registry) Endpoint(n Network) string {
	if endpoint, ok := r.endpoints[n]; ok {
		return endpoint
	}
	return r.endpoints[Development]
}
