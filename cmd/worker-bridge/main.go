package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"go-worker-bridge/internal/app"
	"go-worker-bridge/internal/config"
	httpserver "go-worker-bridge/internal/transport/http"
	"go-worker-bridge/internal/transport/stdio"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	addr       string
	appName    string
	script     string
	title      string
	packageDir string

	cfg config.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("worker-bridge failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "worker-bridge",
		Short:         "Run a dashboard script in an embedded runtime and relay it to a browser page",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format (auto, console, json)")
	f.StringVar(&opts.appName, "app", "", "Bundled application to run")
	f.StringVar(&opts.script, "script", "", "Application script to run instead of a bundled one")
	f.StringVar(&opts.title, "title", "", "Initial document title")
	f.StringVar(&opts.packageDir, "package-dir", "", "Directory holding <name>.js packages")

	rootCmd.AddCommand(newServeCommand(opts), newRunCommand(opts), newDepsCommand(opts))
	return rootCmd
}

// load reads the config file and lets explicitly set flags override it.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if flags.Changed("addr") {
		cfg.Addr = o.addr
	}
	if flags.Changed("app") {
		cfg.App.Name = o.appName
	}
	if flags.Changed("script") {
		cfg.App.Script = o.script
	}
	if flags.Changed("title") {
		cfg.App.Title = o.title
	}
	if flags.Changed("package-dir") {
		cfg.PackageDir = o.packageDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.Log, os.Stderr); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the host page and run one worker session per connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			factory, err := app.NewFactory(opts.cfg)
			if err != nil {
				return err
			}
			shell := factory.Renderer().RenderShell(factory.Plan().App.Title)
			server := httpserver.NewWorkerServer(opts.cfg.Addr, shell, func(id string, out app.Emitter) (httpserver.Session, error) {
				return factory.NewBridge(id, out), nil
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return server.Run(ctx)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "worker bridge: %s\n", server.URL())
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (host:port)")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a single worker session over newline-delimited JSON on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			factory, err := app.NewFactory(opts.cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bridge := factory.NewBridge("stdio", stdio.NewEncoder(cmd.OutOrStdout()))
			if err := bridge.Startup(ctx); err != nil {
				log.Error().Err(err).Msg("startup failed")
			}
			return stdio.NewRelay(cmd.InOrStdin()).Run(ctx, bridge)
		},
	}
}

type dependencyView struct {
	Spec    string `yaml:"spec"`
	Name    string `yaml:"name"`
	Module  string `yaml:"module"`
	Version string `yaml:"version,omitempty"`
	URL     string `yaml:"url,omitempty"`
}

func newDepsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Print the startup install list as it will be reported",
		RunE: func(cmd *cobra.Command, args []string) error {
			factory, err := app.NewFactory(opts.cfg)
			if err != nil {
				return err
			}
			var views []dependencyView
			for _, d := range factory.Plan().Dependencies {
				views = append(views, dependencyView{Spec: d.Spec, Name: d.Name, Module: d.Module, Version: d.Version, URL: d.URL})
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer func() {
				_ = enc.Close()
			}()
			if err := enc.Encode(map[string]any{"dependencies": views}); err != nil {
				return errors.Wrap(err, "encode dependencies")
			}
			return nil
		},
	}
}
