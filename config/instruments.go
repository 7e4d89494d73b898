package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InstrumentSeed is the instrument universe subscribed before the CDC
// consumer takes over. Order is preserved because shard assignment depends on it.
type InstrumentSeed struct {
	Instruments []string `yaml:"instruments"`
}

// LoadInstruments loads the instrument seed from the given path. Blank and
// repeated entries are dropped, keeping the first occurrence.
func LoadInstruments(path string) (*InstrumentSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instruments file: %w", err)
	}
	var seed InstrumentSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse instruments file: %w", err)
	}
	seen := make(map[string]struct{}, len(seed.Instruments))
	out := seed.Instruments[:0]
	for _, id := range seed.Instruments {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	seed.Instruments = out
	return &seed, nil
}
