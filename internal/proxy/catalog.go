package proxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
)

type catalogFile struct {
	Proxies []Definition `yaml:"proxies"`
}

// LoadCatalog reads a YAML proxy catalogue. ${VAR} references are expanded
// from the environment before parsing.
//
//	proxies:
//	  - name: gpt-4o-mini
//	    description: fast and cheap
//	    kind: openai
//	    api_key: ${OPENAI_API_KEY}
//	    model: gpt-4o-mini
func LoadCatalog(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal([]byte(config.ExpandEnvVars(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	for i, d := range f.Proxies {
		if d.Name == "" || d.Kind == "" {
			return nil, fmt.Errorf("catalogue %s: entry %d needs name and kind", path, i)
		}
	}
	return f.Proxies, nil
}

// Definitions merges the inline proxies of cfg with its catalogue, inline
// entries first.
func Definitions(cfg config.ProxiesConfig) ([]Definition, error) {
	defs := append([]Definition(nil), cfg.Items...)
	if cfg.Catalog == "" {
		return defs, nil
	}
	fromFile, err := LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	return append(defs, fromFile...), nil
}
