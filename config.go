package netfs

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lkarlslund/netfs/filesystem"
	"github.com/spf13/viper"
)

// Config is the server configuration. It is usually loaded from flags,
// NETFS_* environment variables and an optional config file by LoadConfig.
type Config struct {
	// Bind is the listen address, host:port
	Bind string `mapstructure:"bind" validate:"required,bindaddress"`

	// Directory is served as the default "file" protocol
	Directory string `mapstructure:"directory" validate:"required"`

	ReadOnly bool `mapstructure:"readonly"`

	// Exclude holds doublestar patterns hidden from LIST and WALK
	Exclude []string `mapstructure:"exclude"`

	// Mounts are additional protocols served from local directories,
	// reachable as name://path
	Mounts map[string]string `mapstructure:"mounts" validate:"dive,keys,protocolname,endkeys,required"`

	// Watch lists paths ("name://path" or plain) whose changes are logged
	Watch []string `mapstructure:"watch" validate:"dive,required"`

	Backlog int `mapstructure:"backlog" validate:"gt=0"`

	MaxPathLength uint64 `mapstructure:"maxpath" validate:"gt=0,lte=1048576"`
	MaxFileSize   uint64 `mapstructure:"maxfile" validate:"gt=0"`

	LogLevel      string `mapstructure:"loglevel" validate:"required,oneof=trace debug info warn error"`
	StatsInterval int    `mapstructure:"statsinterval" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Bind:          "0.0.0.0:" + strconv.Itoa(DefaultPort),
		Directory:     ".",
		Backlog:       128,
		MaxPathLength: 4096,
		MaxFileSize:   1 << 32,
		LogLevel:      "info",
		StatsInterval: 0,
	}
}

func (c Config) Limits() Limits {
	return Limits{
		MaxPathLength: c.MaxPathLength,
		MaxFileSize:   c.MaxFileSize,
	}
}

// SetDefaults seeds v with DefaultConfig, so unset keys fall back to it.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("bind", d.Bind)
	v.SetDefault("directory", d.Directory)
	v.SetDefault("readonly", d.ReadOnly)
	v.SetDefault("exclude", []string{})
	v.SetDefault("mounts", map[string]string{})
	v.SetDefault("watch", []string{})
	v.SetDefault("backlog", d.Backlog)
	v.SetDefault("maxpath", d.MaxPathLength)
	v.SetDefault("maxfile", d.MaxFileSize)
	v.SetDefault("loglevel", d.LogLevel)
	v.SetDefault("statsinterval", d.StatsInterval)
}

// LoadConfig unmarshals and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("bindaddress", func(fl validator.FieldLevel) bool {
		return validBindAddress(fl.Field().String())
	})
	validate.RegisterValidation("protocolname", func(fl validator.FieldLevel) bool {
		return validProtocolName(fl.Field().String())
	})
}

// validBindAddress accepts host:port with an empty or literal IP host and
// any port including 0.
func validBindAddress(bind string) bool {
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return false
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return false
	}
	return host == "" || host == "localhost" || net.ParseIP(host) != nil
}

func validProtocolName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// Validate checks struct tags and the rules that can not be expressed in
// them.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if _, found := c.Mounts[filesystem.DefaultProtocol]; found {
		return fmt.Errorf("mounts: %q is reserved for the served directory", filesystem.DefaultProtocol)
	}
	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
