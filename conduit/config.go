package conduit

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config factory properties and the default client policy as read from a
// YAML file:
//
//	properties:
//	  org.apache.cxf.transport.http.async.MAX_CONNECTIONS: 100
//	  org.apache.cxf.transport.http.async.usePolicy: ALWAYS
//	clientPolicy:
//	  receiveTimeout: 10s
//	  chunkingThreshold: 8192
type Config struct {
	Properties   Properties    `yaml:"properties"`
	ClientPolicy *ClientPolicy `yaml:"clientPolicy"`
}

// LoadConfig reads a YAML config file, policy fields absent from the file
// keep their defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, see LoadConfig
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{ClientPolicy: DefaultClientPolicy()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "fail to parse config")
	}
	if cfg.Properties == nil {
		cfg.Properties = Properties{}
	}
	if cfg.ClientPolicy == nil {
		cfg.ClientPolicy = DefaultClientPolicy()
	}
	return cfg, nil
}
