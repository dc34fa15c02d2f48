package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
)

// BaseConfig contains onion's core configuration needs.
// Applications can embed this in their own config structs to inherit onion's settings.
type BaseConfig struct {
	HTTPPort    int    `toml:"http_port" env:"HTTP_PORT"`
	HealthPort  int    `toml:"health_port" env:"HEALTH_PORT"`
	MetricsPort int    `toml:"metrics_port" env:"METRICS_PORT"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	Environment string `toml:"environment" env:"ENVIRONMENT"`

	Middleware MiddlewareConfig `toml:"middleware"`
}

// MiddlewareConfig is the [middleware] table: the default namespace for
// unqualified identifiers and the alias table.
//
//	[middleware]
//	default_namespace = "app/http/middleware/"
//
//	[middleware.alias]
//	auth = "onion/auth"
//	web  = ["request_id", "throttle:ip"]
type MiddlewareConfig struct {
	DefaultNamespace string         `toml:"default_namespace" env:"MIDDLEWARE_DEFAULT_NAMESPACE"`
	Alias            map[string]any `toml:"alias"`
}

// Options returns the configuration in the shape accepted by
// onion.Chain.SetConfig. An empty default namespace is left out so the
// chain keeps its own.
func (m MiddlewareConfig) Options() map[string]any {
	opts := make(map[string]any, len(m.Alias)+1)
	for name, target := range m.Alias {
		opts[name] = target
	}
	if m.DefaultNamespace != "" {
		opts["default_namespace"] = m.DefaultNamespace
	}
	return opts
}

// GetHTTPPort returns the HTTP port to use, checking Nomad dynamic port allocation first.
func (b *BaseConfig) GetHTTPPort() int {
	return resolvePort("http", b.HTTPPort)
}

// GetHealthPort returns the health port to use, checking Nomad dynamic port allocation first.
func (b *BaseConfig) GetHealthPort() int {
	return resolvePort("health", b.HealthPort)
}

// GetMetricsPort returns the metrics port to use, checking Nomad dynamic port allocation first.
func (b *BaseConfig) GetMetricsPort() int {
	return resolvePort("metrics", b.MetricsPort)
}

// resolvePort checks for Nomad dynamic port allocation and falls back to configured value.
func resolvePort(label string, fallback int) int {
	envVar := "NOMAD_PORT_" + label
	nomadPort := os.Getenv(envVar)
	if nomadPort == "" {
		return fallback
	}

	port, err := strconv.Atoi(nomadPort)
	if err != nil {
		slog.Warn("invalid Nomad port, falling back to configured port",
			"env", envVar, "value", nomadPort, "port", fallback)
		return fallback
	}

	slog.Debug("using Nomad-assigned port", "label", label, "port", port)
	return port
}

// Loader handles loading configuration from TOML files and environment variables.
type Loader struct {
	configPath string
	fs         vfs.FileSystem
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFS sets the filesystem the configuration file is read from. The OS
// filesystem is used by default.
func WithFS(fs vfs.FileSystem) LoaderOption {
	return func(l *Loader) {
		l.fs = fs
	}
}

// NewLoader creates a new config loader for the specified TOML file path.
func NewLoader(configPath string, opts ...LoaderOption) *Loader {
	l := &Loader{
		configPath: configPath,
		fs:         osfs.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the TOML configuration file and unmarshals it into the provided config struct.
// It then applies environment variable overrides for any fields with an `env` tag.
// The config parameter must be a pointer to a struct. A missing file is not an error.
func (l *Loader) Load(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	rv := reflect.ValueOf(config)
	if rv.Kind() != reflect.Ptr {
		return fmt.Errorf("config must be a pointer to a struct, got %T", config)
	}
	if rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config must be a pointer to a struct, got pointer to %v", rv.Elem().Kind())
	}

	data, err := vfs.ReadFile(l.fs, l.configPath)
	if err != nil && !vfs.IsErrNotExist(err) {
		return fmt.Errorf("failed to read config file %s: %w", l.configPath, err)
	}
	if len(data) > 0 {
		if _, err := toml.Decode(string(data), config); err != nil {
			return fmt.Errorf("failed to decode TOML file %s: %w", l.configPath, err)
		}
	}

	if err := applyEnvOverrides(rv.Elem()); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return nil
}

// applyEnvOverrides walks through struct fields, recursing into nested
// structs, and applies env overrides.
func applyEnvOverrides(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverrides(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue, fieldType.Name); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the
// field's type. String slices are read as comma separated lists.
func setFieldFromString(field reflect.Value, value string, fieldName string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as int for field %s: %w", value, fieldName, err)
		}
		field.SetInt(intVal)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as uint for field %s: %w", value, fieldName, err)
		}
		field.SetUint(uintVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse %q as bool for field %s: %w", value, fieldName, err)
		}
		field.SetBool(boolVal)

	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("cannot parse %q as float for field %s: %w", value, fieldName, err)
		}
		field.SetFloat(floatVal)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %v for field %s", field.Type(), fieldName)
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts).Convert(field.Type()))

	default:
		return fmt.Errorf("unsupported field type %v for field %s", field.Kind(), fieldName)
	}

	return nil
}
