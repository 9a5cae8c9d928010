// Package config supplies the handful of engine-wide tunables that are
// worth overriding from the environment without pulling in a CLI flag
// parser. An embedding process sets DPI_-prefixed environment variables;
// everything else goes through the engine's explicit configuration
// methods.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Defaults holds the fallback values used by Init when the caller passes
// zero for an argument, and by the config-surface methods for their own
// defaults. All fields can be overridden with DPI_-prefixed environment
// variables (e.g. DPI_NUM_PARTITIONS=8).
type Defaults struct {
	NumPartitions int
	SizeV4        int
	SizeV6        int
	MaxFlowsV4    int
	MaxFlowsV6    int
	MaxTrials     int

	FragmentPerHostMemoryLimit int64
	FragmentTotalMemoryLimit   int64
	FragmentReassemblyTimeout  int64 // seconds

	TCPReorderMaxBufferedPerFlow int
}

func init() {
	viper.SetEnvPrefix("dpi")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	viper.SetDefault("num-partitions", 4)
	viper.SetDefault("size-v4", 32768)
	viper.SetDefault("size-v6", 32768)
	viper.SetDefault("max-flows-v4", 1_000_000)
	viper.SetDefault("max-flows-v6", 1_000_000)
	viper.SetDefault("max-trials", 8)

	viper.SetDefault("fragment-per-host-memory-limit", int64(4<<20)) // 4 MiB
	viper.SetDefault("fragment-total-memory-limit", int64(64<<20))   // 64 MiB
	viper.SetDefault("fragment-reassembly-timeout", int64(30))       // seconds
	viper.SetDefault("tcp-reorder-max-buffered-per-flow", 256*1024)  // bytes
}

// Load reads the current environment-backed defaults. Called once by
// Init; the engine never re-reads viper after that point.
func Load() Defaults {
	return Defaults{
		NumPartitions:                viper.GetInt("num-partitions"),
		SizeV4:                       viper.GetInt("size-v4"),
		SizeV6:                       viper.GetInt("size-v6"),
		MaxFlowsV4:                   viper.GetInt("max-flows-v4"),
		MaxFlowsV6:                   viper.GetInt("max-flows-v6"),
		MaxTrials:                    viper.GetInt("max-trials"),
		FragmentPerHostMemoryLimit:   viper.GetInt64("fragment-per-host-memory-limit"),
		FragmentTotalMemoryLimit:     viper.GetInt64("fragment-total-memory-limit"),
		FragmentReassemblyTimeout:    viper.GetInt64("fragment-reassembly-timeout"),
		TCPReorderMaxBufferedPerFlow: viper.GetInt("tcp-reorder-max-buffered-per-flow"),
	}
}
