package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type decoder struct {
	name      string
	unmarshal func([]byte, any) error
}

var (
	yamlDecoder = decoder{"yaml", yaml.Unmarshal}
	jsonDecoder = decoder{"json", json.Unmarshal}
)

// decoders maps settings file extensions to their format.
var decoders = map[string]decoder{
	".yaml": yamlDecoder,
	".yml":  yamlDecoder,
	".json": jsonDecoder,
}

// FromFile loads a settings file. ${VAR} references in the file are
// expanded from the environment before parsing, so paths such as
// event_log can vary per deployment.
func FromFile(path string) (Config, error) {
	dec, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return Config{}, fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return decode(dec, []byte(os.ExpandEnv(string(data))))
}

// FromYAML parses YAML data.
func FromYAML(data []byte) (Config, error) { return decode(yamlDecoder, data) }

// FromJSON parses JSON data.
func FromJSON(data []byte) (Config, error) { return decode(jsonDecoder, data) }

func decode(dec decoder, data []byte) (Config, error) {
	var m map[string]any
	if err := dec.unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", dec.name, err)
	}
	return New(m), nil
}
