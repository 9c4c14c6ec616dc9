package layout

import (
	"fmt"
	"io/ioutil"

	"sigs.k8s.io/yaml"
)

// Config carries the sizing constants of a board.
type Config struct {
	NVMSize          int `json:"nvmSize"`
	NumSlots         int `json:"numSlots"`
	SlotSize         int `json:"slotSize"`
	SamplesLen       int `json:"samplesLen"`
	ParametersLen    int `json:"parametersLen"`
	MaxNodes         int `json:"maxNodes"`
	MaxParamInfos    int `json:"maxParamInfos"`
	CountersLen      int `json:"countersLen"`
	TurningPointsLen int `json:"turningPointsLen"`
}

// DefaultConfig matches a 256KiB FRAM part.
var DefaultConfig = Config{
	NVMSize:          256 * 1024,
	NumSlots:         3,
	SlotSize:         0x4000,
	SamplesLen:       0x4000,
	ParametersLen:    0x20000,
	MaxNodes:         64,
	MaxParamInfos:    128,
	CountersLen:      64,
	TurningPointsLen: 8,
}

// Validate checks the individual fields.
func (c *Config) Validate() error {
	switch {
	case c.NVMSize <= IntermediateValuesOffset:
		return fmt.Errorf("%w: nvmSize %d", ErrInvalidConfig, c.NVMSize)
	case c.NumSlots <= 0 || c.NumSlots > 0xfd:
		return fmt.Errorf("%w: numSlots %d", ErrInvalidConfig, c.NumSlots)
	case c.SlotSize <= 0 || c.SlotSize%2 != 0 || c.SlotSize/2 > 0xffff:
		return fmt.Errorf("%w: slotSize %d", ErrInvalidConfig, c.SlotSize)
	case c.SamplesLen < 0 || c.ParametersLen < 0:
		return fmt.Errorf("%w: negative region size", ErrInvalidConfig)
	case c.MaxNodes <= 0 || c.MaxParamInfos <= 0:
		return fmt.Errorf("%w: empty node tables", ErrInvalidConfig)
	case c.CountersLen <= 0 || c.TurningPointsLen <= 0:
		return fmt.Errorf("%w: countersLen %d turningPointsLen %d",
			ErrInvalidConfig, c.CountersLen, c.TurningPointsLen)
	}
	return nil
}

// LoadConfig reads a board description file on top of DefaultConfig.
func LoadConfig(fn string) (Config, error) {
	conf := DefaultConfig
	data, err := ioutil.ReadFile(fn)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parse %s: %w", fn, err)
	}
	return conf, conf.Validate()
}
