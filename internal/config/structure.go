package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Structure is a blind structure kept in its own YAML file so it can be
// shared between tournaments:
//
//	name: Deepstack
//	levels:
//	  - {small_blind: 25, big_blind: 50, minutes: 30}
//	  - {break: true, break_name: Dinner, minutes: 45}
type Structure struct {
	Name   string        `yaml:"name"`
	Levels []LevelConfig `yaml:"levels"`
}

// LoadStructure reads a YAML blind structure.
func LoadStructure(path string) (*Structure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read structure file: %w", err)
	}
	return ParseStructure(data)
}

// ParseStructure decodes a YAML blind structure. Unknown keys are rejected so
// a typo like "big_bind" is not silently read as zero.
func ParseStructure(data []byte) (*Structure, error) {
	var s Structure
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}
	if len(s.Levels) == 0 {
		return nil, fmt.Errorf("parse structure: no levels")
	}
	return &s, nil
}
