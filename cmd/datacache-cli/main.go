package main

import (
	stderr "errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/objectfs/datacache/internal/config"
	"github.com/objectfs/datacache/pkg/errors"
	"github.com/objectfs/datacache/pkg/utils"
)

const appName = "datacache-cli"

type globalOptions struct {
	ConfigFile string `type:"path" short:"c" name:"config" help:"Path to a datacache config file. Defaults apply when omitted"`
	LogLevel   string `help:"Log level (DEBUG, INFO, WARN, ERROR). Overrides the config file"`
	NoEnv      bool   `help:"Ignore DATACACHE_* environment overrides"`

	out io.Writer `kong:"-"`
}

var cli struct {
	globalOptions

	Validate   validateCmd   `cmd:"" help:"Validate a config file and print the resolved settings"`
	Partitions partitionsCmd `cmd:"" help:"Print the entity cache partition table"`
	Schedule   scheduleCmd   `cmd:"" help:"List the minutes an eviction schedule fires in a time window"`
	Serve      serveCmd      `cmd:"" help:"Build the caches from config and serve their metrics"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Inspect and run datacache configurations"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	cli.globalOptions.out = os.Stdout
	err := ctx.Run(&cli.globalOptions)
	if hint := errorHint(err); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	ctx.FatalIfErrorf(err)
}

// errorHint returns the advice of the first user-facing error in err's
// chain that has any
func errorHint(err error) string {
	for err != nil {
		if ce, ok := err.(*errors.CacheError); ok && ce.UserFacing && ce.Hint() != "" {
			return "hint: " + ce.Hint()
		}
		err = stderr.Unwrap(err)
	}
	return ""
}

func (g *globalOptions) writer() io.Writer {
	if g.out == nil {
		return os.Stdout
	}
	return g.out
}

func (g *globalOptions) printf(format string, args ...interface{}) {
	fmt.Fprintf(g.writer(), format, args...)
}

// loadConfig reads the config file, applies environment overrides and
// validates the result.
func (g *globalOptions) loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if g.ConfigFile != "" {
		if err := cfg.LoadFromFile(g.ConfigFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", g.ConfigFile, err)
		}
	}
	if !g.NoEnv {
		if err := cfg.LoadFromEnv(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (g *globalOptions) logger(cfg *config.Configuration) *utils.StructuredLogger {
	name := g.LogLevel
	if name == "" {
		name = cfg.Global.LogLevel
	}
	level, err := utils.ParseLogLevel(name)
	if err != nil {
		level = utils.INFO
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Output: os.Stderr,
		Format: utils.ParseLogFormat(cfg.Global.LogFormat),
	})
}
