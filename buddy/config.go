package buddy

import (
	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/pagebuddy/memutils"
	"github.com/vkngwrapper/pagebuddy/memutils/metadata"
)

// Config is the file form of CreateOptions:
//
//	page_size = 4096
//	max_order = 12
//	region_size = 16830464
//	synchronized = true
type Config struct {
	PageSize     int  `toml:"page_size"`
	MaxOrder     int  `toml:"max_order"`
	RegionSize   int  `toml:"region_size"`
	Synchronized bool `toml:"synchronized"`
}

// CreateOptions converts the config into options for New. If RegionSize was left out, the smallest
// region that can hold the arena is assumed.
func (c Config) CreateOptions() CreateOptions {
	options := CreateOptions{
		PageSize:   c.PageSize,
		MaxOrder:   c.MaxOrder,
		RegionSize: c.RegionSize,
	}

	if c.Synchronized {
		options.Flags |= CreateSynchronized
	}

	if options.RegionSize == 0 {
		pageSize := options.PageSize
		if pageSize == 0 {
			pageSize = DefaultPageSize
		}
		if pageSize > 0 && memutils.CheckPow2(pageSize, "PageSize") == nil &&
			options.MaxOrder >= 0 && options.MaxOrder <= metadata.MaxOrderLimit {
			options.RegionSize = RequiredRegionSize(options.MaxOrder, pageSize)
		}
	}

	return options
}

func checkDecoded(meta toml.MetaData) error {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Wrapf(memutils.InvalidConfigError, "unknown configuration keys: %v", undecoded)
	}

	if !meta.IsDefined("max_order") {
		return errors.Wrap(memutils.InvalidConfigError, "max_order must be set")
	}

	return nil
}

// DecodeConfig parses a TOML document into a Config
func DecodeConfig(data string) (Config, error) {
	var config Config
	meta, err := toml.Decode(data, &config)
	if err != nil {
		return Config{}, errors.Mark(errors.Wrap(err, "failed to parse allocator configuration"), memutils.InvalidConfigError)
	}

	err = checkDecoded(meta)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// LoadConfig reads a TOML file into a Config
func LoadConfig(path string) (Config, error) {
	var config Config
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return Config{}, errors.Mark(errors.Wrapf(err, "failed to load allocator configuration from %s", path), memutils.InvalidConfigError)
	}

	err = checkDecoded(meta)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}
