package config

import (
	"bytes"
	"fmt"
	"os"

	"go.pilab.hu/ssoengine/domain"
	"gopkg.in/yaml.v3"
)

// Seed is the YAML document used to preload clients and resources into in-memory stores
// or to bootstrap a database.
//
//nolint:tagliatelle
type Seed struct {
	Clients   []domain.Client  `yaml:"clients"`
	Resources domain.Resources `yaml:"resources"`
}

// LoadSeed reads and decodes a seed file. Unknown keys are rejected.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes a seed document.
func ParseSeed(raw []byte) (*Seed, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var seed Seed
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}

	seen := make(map[string]struct{}, len(seed.Clients))
	for _, c := range seed.Clients {
		if c.ClientID == "" {
			return nil, fmt.Errorf("seed client without client_id")
		}
		if _, dup := seen[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in seed file", c.ClientID)
		}
		seen[c.ClientID] = struct{}{}
	}
	return &seed, nil
}
