package platform

import (
	"flag"
	"os"
	"time"

	"github.com/robotalks/icnn/pkg/checkpoint"
	"github.com/robotalks/icnn/pkg/layout"
	"github.com/robotalks/icnn/pkg/nvm"
)

// Config provides the options to bring up a device.
type Config struct {
	// NVMPath is the file backing the NVM device.
	NVMPath string
	// BoardConfig is an optional YAML board description overriding
	// layout.DefaultConfig.
	BoardConfig string
	// SyncWrites syncs the NVM file after every write.
	SyncWrites bool
	// Runs stops the autonomous loop after that many samples, 0 for never.
	Runs int
	// Samples limits the samples iterated over, 0 for all.
	Samples int
	// TickInterval is the period of the counters timer.
	TickInterval time.Duration
	Features     checkpoint.Features

	// DeviceID identifies the device in telemetry.
	DeviceID string
	// MQTTBrokerURL specifies the MQTT broker to publish events to.
	// e.g. mqtt://host:port/topic-prefix
	MQTTBrokerURL string
}

var defaultConfig = Config{
	NVMPath:      "nvm.bin",
	TickInterval: 10 * time.Millisecond,
	Features:     checkpoint.DefaultFeatures,
}

func init() {
	if val := os.Getenv("ICNN_NVM"); val != "" {
		defaultConfig.NVMPath = val
	}
	if val := os.Getenv("ICNN_MQTT_URL"); val != "" {
		defaultConfig.MQTTBrokerURL = val
	}
	defaultConfig.DeviceID = DeviceID()
}

// SetupFlags sets command line flags.
func SetupFlags() {
	flag.StringVar(&defaultConfig.NVMPath, "nvm", defaultConfig.NVMPath, "NVM image file")
	flag.StringVar(&defaultConfig.BoardConfig, "board", defaultConfig.BoardConfig, "Board description YAML")
	flag.BoolVar(&defaultConfig.SyncWrites, "sync", defaultConfig.SyncWrites, "Sync NVM file after each write")
	flag.IntVar(&defaultConfig.Runs, "runs", defaultConfig.Runs, "Stop after this many samples, 0 for never")
	flag.IntVar(&defaultConfig.Samples, "samples", defaultConfig.Samples, "Number of samples to iterate over, 0 for all")
	flag.DurationVar(&defaultConfig.TickInterval, "tick", defaultConfig.TickInterval, "Counters timer period")
	flag.StringVar(&defaultConfig.DeviceID, "id", defaultConfig.DeviceID, "Device ID")
	flag.StringVar(&defaultConfig.MQTTBrokerURL, "mqtt", defaultConfig.MQTTBrokerURL, "MQTT broker URL")

	f := &defaultConfig.Features
	flag.BoolVar(&f.StateBits, "state-bits", f.StateBits, "Tag values with state bits")
	flag.BoolVar(&f.Footprints, "footprints", f.Footprints, "Write job footprints")
	flag.IntVar(&f.JobValues, "job-values", f.JobValues, "Values per job with footprints")
	flag.BoolVar(&f.PerLayerCounters, "per-layer-counters", f.PerLayerCounters, "Count time and power cycles per layer")
	flag.DurationVar(&f.AsyncWriteDelay, "async-delay", f.AsyncWriteDelay, "Write outputs asynchronously with this delay")
}

// Default gets default config.
func Default() *Config {
	return &defaultConfig
}

// NewConfig creates a Config with default configurations.
func NewConfig() *Config {
	conf := defaultConfig
	return &conf
}

// Layout resolves the layout of the board.
func (c *Config) Layout() (*layout.Layout, error) {
	conf := layout.DefaultConfig
	if c.BoardConfig != "" {
		var err error
		if conf, err = layout.LoadConfig(c.BoardConfig); err != nil {
			return nil, err
		}
	}
	return layout.New(conf)
}

// OpenStore opens the NVM file as a store.
func (c *Config) OpenStore() (*nvm.Store, error) {
	l, err := c.Layout()
	if err != nil {
		return nil, err
	}
	dev, err := nvm.OpenFile(c.NVMPath, int64(l.Config.NVMSize), c.SyncWrites)
	if err != nil {
		return nil, err
	}
	return nvm.NewStore(dev, l, nil)
}
