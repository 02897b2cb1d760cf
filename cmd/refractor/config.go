package main

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/blocktimefinancial/refractor-sub000/cmd/utils"
)

// refractorConfig mirrors the command line flags in TOML form. Every field
// is a pointer so an absent key leaves the flag default untouched; a flag
// given on the command line always wins over the file.
type refractorConfig struct {
	Storage  storageConfig
	API      apiConfig
	Queue    queueConfig
	Finalize finalizeConfig
	Callback callbackConfig
}

type storageConfig struct {
	DataDir  *string
	MemStore *bool
}

type apiConfig struct {
	Addr          *string
	Port          *int
	AdminKey      *string
	CORSBlacklist []string
}

type queueConfig struct {
	Concurrency    *int
	MinConcurrency *int
	MaxConcurrency *int
	RetryLimit     *int
	RetryDelay     *string // duration string, e.g. "2s"
}

type finalizeConfig struct {
	Tick  *string
	Sweep *string
}

type callbackConfig struct {
	RPS   *float64
	Burst *int
}

// tomlSettings uses lowercase keys and reports unknown fields instead of
// silently dropping them.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return strings.ToLower(key)
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return strings.Map(unicode.ToLower, field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// applyConfigFile loads the TOML file named by --config, if any, and feeds
// its values into the unset flags.
func applyConfigFile(ctx *cli.Context) error {
	path := ctx.String(utils.ConfigFileFlag.Name)
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var cfg refractorConfig
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}

	set := func(flag string, value *string) error {
		if value == nil || ctx.IsSet(flag) {
			return nil
		}
		return ctx.Set(flag, *value)
	}
	str := func(v fmt.Stringer) *string {
		s := v.String()
		return &s
	}
	var firstErr error
	collect := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	collect(set(utils.DataDirFlag.Name, cfg.Storage.DataDir))
	if cfg.Storage.MemStore != nil {
		b := strconv.FormatBool(*cfg.Storage.MemStore)
		collect(set(utils.MemStoreFlag.Name, &b))
	}
	collect(set(utils.HTTPHostFlag.Name, cfg.API.Addr))
	collect(setInt(ctx, utils.HTTPPortFlag.Name, cfg.API.Port))
	collect(set(utils.AdminKeyFlag.Name, cfg.API.AdminKey))
	if len(cfg.API.CORSBlacklist) > 0 && !ctx.IsSet(utils.CORSBlacklistFlag.Name) {
		joined := strings.Join(cfg.API.CORSBlacklist, ",")
		collect(ctx.Set(utils.CORSBlacklistFlag.Name, joined))
	}
	collect(setInt(ctx, utils.QueueConcurrencyFlag.Name, cfg.Queue.Concurrency))
	collect(setInt(ctx, utils.QueueMinConcurrencyFlag.Name, cfg.Queue.MinConcurrency))
	collect(setInt(ctx, utils.QueueMaxConcurrencyFlag.Name, cfg.Queue.MaxConcurrency))
	collect(setInt(ctx, utils.QueueRetryLimitFlag.Name, cfg.Queue.RetryLimit))
	collect(set(utils.QueueRetryDelayFlag.Name, cfg.Queue.RetryDelay))
	collect(set(utils.TickIntervalFlag.Name, cfg.Finalize.Tick))
	collect(set(utils.SweepIntervalFlag.Name, cfg.Finalize.Sweep))
	if cfg.Callback.RPS != nil {
		collect(set(utils.CallbackRPSFlag.Name, str(floatValue(*cfg.Callback.RPS))))
	}
	collect(setInt(ctx, utils.CallbackBurstFlag.Name, cfg.Callback.Burst))
	return firstErr
}

func setInt(ctx *cli.Context, flag string, value *int) error {
	if value == nil || ctx.IsSet(flag) {
		return nil
	}
	return ctx.Set(flag, strconv.Itoa(*value))
}

type floatValue float64

func (f floatValue) String() string {
	return strconv.FormatFloat(float64(f), 'g', -1, 64)
}
