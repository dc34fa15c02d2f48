package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"github.com/Jack4Code/onion"
	"github.com/Jack4Code/onion/config"
)

// AppConfig embeds onion's BaseConfig next to the demo's own settings.
type AppConfig struct {
	Onion config.BaseConfig `toml:"onion"`

	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`
	UploadDir string `toml:"upload_dir" env:"UPLOAD_DIR"`
	// Users maps basic auth user names to bcrypt hashes.
	Users map[string]string `toml:"users"`
}

func defaultConfig() AppConfig {
	return AppConfig{
		Onion: config.BaseConfig{
			HTTPPort:   8080,
			HealthPort: 8081,
		},
		UploadDir: "uploads",
	}
}

// appContext is what commands run with.
type appContext struct {
	stdout io.Writer
	stderr io.Writer
	fs     vfs.FileSystem
	color  bool

	logger *slog.Logger
	cfg    AppConfig
}

// CLI is the command line interface of onion.
type CLI struct {
	Chain chainCmd `kong:"cmd,help='Show how middleware declarations normalize.'"`
	Serve serveCmd `kong:"cmd,help='Start the demo server.'"`

	Log struct {
		Level string `help:"Set the logging level (DEBUG, INFO, WARN, ERROR). Overrides log_level from the config file."`
	} `embed:"" prefix:"log-"`
	ConfigFile string `kong:"default='config.toml',help='Path to the TOML configuration file.'"`
}

func run(args []string, env *appContext) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("onion"),
		kong.Description("Middleware chains for HTTP services."),
		kong.UsageOnError(),
		kong.DefaultEnvars("ONION"),
		kong.Writers(env.stdout, env.stderr),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)
	if err != nil {
		return fmt.Errorf("failed creating the Kong parser: %w", err)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return fmt.Errorf("failed parsing CLI arguments: %w", err)
	}

	lvl := &slog.LevelVar{}
	env.logger = slog.New(tint.NewHandler(env.stderr, &tint.Options{
		Level:      lvl,
		NoColor:    !env.color,
		TimeFormat: "2006-01-02 15:04:05.000",
	}))
	slog.SetDefault(env.logger)

	env.cfg = defaultConfig()
	loader := config.NewLoader(cli.ConfigFile, config.WithFS(env.fs))
	if err := loader.Load(&env.cfg); err != nil {
		return err
	}

	level := cli.Log.Level
	if level == "" {
		level = env.cfg.Onion.LogLevel
	}
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	return kctx.Run(env)
}

// newChain returns a chain resolving the builtin layers, configured with the
// builtin aliases and the [onion.middleware] table.
func (env *appContext) newChain() (*onion.Chain, error) {
	reg := onion.NewRegistry()
	err := onion.RegisterBuiltins(reg, onion.BuiltinOptions{
		JWTSecret: env.cfg.JWTSecret,
		Users:     env.cfg.Users,
		Logger:    env.logger,
	})
	if err != nil {
		return nil, err
	}

	chain := onion.New(reg, onion.WithLogger(env.logger))
	if err := chain.SetConfig(onion.BuiltinAliases()); err != nil {
		return nil, err
	}
	if err := chain.SetConfig(env.cfg.Onion.Middleware.Options()); err != nil {
		return nil, fmt.Errorf("invalid middleware configuration: %w", err)
	}
	return chain, nil
}

type chainCmd struct {
	Decls []string `arg:"" optional:"" help:"Middleware declarations, e.g. auth:admin. Lists the aliases when empty."`
}

func (c *chainCmd) Run(env *appContext) error {
	if len(c.Decls) == 0 {
		return renderTable([]string{"Alias", "Target"}, env.aliasRows(), env.stdout)
	}

	chain, err := env.newChain()
	if err != nil {
		return err
	}
	decls := make([]any, len(c.Decls))
	for i, d := range c.Decls {
		decls[i] = d
	}
	if err := chain.Import(decls); err != nil {
		return err
	}

	rows := make([][]string, 0, chain.Len())
	for i, e := range chain.All() {
		rows = append(rows, []string{strconv.Itoa(i + 1), e.Name, e.Param.String()})
	}
	return renderTable([]string{"#", "Name", "Param"}, rows, env.stdout)
}

func (env *appContext) aliasRows() [][]string {
	aliases := onion.BuiltinAliases()
	for name, target := range env.cfg.Onion.Middleware.Alias {
		aliases[name] = target
	}

	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, formatTarget(aliases[name])})
	}
	return rows
}

func formatTarget(target any) string {
	switch t := target.(type) {
	case string:
		return t
	case []string:
		return "[" + strings.Join(t, ", ") + "]"
	case []any:
		parts := make([]string, len(t))
		for i, v := range t {
			parts[i] = formatTarget(v)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%T", t)
	}
}

type serveCmd struct{}

func (c *serveCmd) Run(env *appContext) error {
	chain, err := env.newChain()
	if err != nil {
		return err
	}
	if err := chain.Import([]any{"recover", "request_id"}); err != nil {
		return err
	}

	app := &demoApp{
		chain:     chain,
		fs:        env.fs,
		uploadDir: env.cfg.UploadDir,
		jwtSecret: env.cfg.JWTSecret,
		logger:    env.logger,
	}
	return onion.Run(app, env.cfg.Onion)
}
