package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MCP_AUTHZ"

// app carries state shared by all subcommands.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "mcp-authz",
		Short:        "OAuth 2.1 authorization server for MCP tool servers",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.loadConfigFile(); err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), a.v.GetString("log-format"), a.v.GetString("log-level"))
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.String("config", "", "path to a YAML config file (keys match flag names)")
	pf.String("clients", "clients.yaml", "path to the YAML client registry")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json or text)")

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.bindFlags(pf)

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newHashSecretCommand(a))
	cmd.AddCommand(newCheckConfigCommand(a))

	return cmd
}

// bindFlags binds every flag in fs to the viper key of the same name, so the
// precedence is flag, then MCP_AUTHZ_* environment variable, then config file.
func (a *app) bindFlags(fs *pflag.FlagSet) {
	if err := a.v.BindPFlags(fs); err != nil {
		panic(err)
	}
}

func (a *app) loadConfigFile() error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	return nil
}

// newLogger builds the process logger. Logs go to w, which is stderr outside tests.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want json or text)", format)
	}
}
