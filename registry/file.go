package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk format of a client registry:
//
//	clients:
//	  - id: inspector
//	    name: MCP Inspector
//	    secret_hash: $2a$10$...
//	    redirect_uris:
//	      - http://localhost:6274/oauth/callback
//	    scopes: [tools:read, tools:call]
type File struct {
	Clients []Client `yaml:"clients"`
}

// LoadFile reads and validates a YAML client registry.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read client registry: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a YAML client registry. Unknown fields are rejected so typos in
// security-relevant keys do not pass silently.
func Parse(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("client registry is empty")
		}
		return nil, fmt.Errorf("decode client registry: %w", err)
	}
	if len(f.Clients) == 0 {
		return nil, fmt.Errorf("client registry defines no clients")
	}

	return New(f.Clients...)
}
