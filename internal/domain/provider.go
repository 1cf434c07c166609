package domain

import "context"

// Proxy is an interchangeable text-generation backend. The name is its
// identity inside a registry. Generate owns its own timeouts.
type Proxy interface {
	Name() string
	Description() string
	Premium() bool
	Generate(ctx context.Context, c Context) (string, error)
}

// ProxyInfo is the public description of a proxy; it never carries
// credentials or endpoints.
type ProxyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Premium     bool   `json:"premium"`
	Ready       bool   `json:"ready"`
}

func InfoOf(p Proxy) ProxyInfo {
	return ProxyInfo{Name: p.Name(), Description: p.Description(), Premium: p.Premium()}
}
