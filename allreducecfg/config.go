// Package allreducecfg loads the allreduce core's configuration from TOML,
// with a custom field-matching policy on top of naoina/toml and
// urfave/cli.v1 flags layered over the loaded file.
package allreducecfg

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"gopkg.in/urfave/cli.v1"
)

// DefaultThreshold is the element-count boundary between RecursiveDoubling
// (below) and Rabenseifner (at or above), per the dispatcher contract.
const DefaultThreshold = 2048

// Config is the allreduce core's tunable surface: it never changes the
// algorithms' semantics, only their resource usage and diagnostics.
type Config struct {
	// Threshold is the payload element count at which the dispatcher
	// switches from RecursiveDoubling to Rabenseifner.
	Threshold int

	// CompressAbove, if non-zero, snappy-compresses wire payloads of both
	// engines (RecursiveDoubling and Rabenseifner) at or above this many
	// bytes.
	CompressAbove int

	// LogLevel is one of trace/debug/info/warn/error/crit.
	LogLevel string
}

// Default returns a Config with the dispatcher's documented defaults.
func Default() Config {
	return Config{
		Threshold:     DefaultThreshold,
		CompressAbove: 4096,
		LogLevel:      "info",
	}
}

// These settings ensure that TOML keys use the same names as Go struct
// fields, and reject unknown keys instead of silently ignoring them.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// LoadFile reads a TOML configuration file into a Config seeded with
// Default() values, so an omitted field keeps its default.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	if err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Flags are the urfave/cli.v1 flags exposed by the demo CLI.
var Flags = []cli.Flag{
	cli.IntFlag{
		Name:  "threshold",
		Usage: "element count at which Rabenseifner replaces RecursiveDoubling",
		Value: DefaultThreshold,
	},
	cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file",
	},
	cli.StringFlag{
		Name:  "loglevel",
		Usage: "trace|debug|info|warn|error|crit",
		Value: "info",
	},
}

// FromCLI merges flag values from a cli.Context over Default(), loading a
// config file first if --config was given.
func FromCLI(ctx *cli.Context) (Config, error) {
	cfg := Default()
	if p := ctx.String("config"); p != "" {
		loaded, err := LoadFile(p)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if ctx.IsSet("threshold") {
		cfg.Threshold = ctx.Int("threshold")
	}
	if ctx.IsSet("loglevel") {
		cfg.LogLevel = ctx.String("loglevel")
	}
	return cfg, nil
}
