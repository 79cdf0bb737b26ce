package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/systmms/rconfd/internal/backend"
	"github.com/systmms/rconfd/internal/config"
	rcerrors "github.com/systmms/rconfd/internal/errors"
	"github.com/systmms/rconfd/internal/hooks"
	"github.com/systmms/rconfd/internal/jsonnetengine"
	"github.com/systmms/rconfd/internal/logging"
	"github.com/systmms/rconfd/internal/manifest"
	"github.com/systmms/rconfd/internal/metrics"
	"github.com/systmms/rconfd/internal/pathexpr"
	"github.com/systmms/rconfd/internal/scheduler"
	"github.com/systmms/rconfd/internal/secretcache"
	"github.com/systmms/rconfd/internal/vaultclient"
	"github.com/systmms/rconfd/internal/writer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer memguard.Purge()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configDir   string
		vaultURL    string
		loginPath   string
		jpaths      []string
		caCertFile  string
		tokenFlag   string
		tokenPath   string
		showVersion bool
		readyFDNum  int
		debug       bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:          "rconfd",
		Short:        "Render container configuration files from jsonnet templates backed by Vault, env, file and exe secrets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("rconfd %s (commit: %s, built: %s)\n", version, commit, date)
				return nil
			}
			return runDaemon(daemonOptions{
				configDir:   configDir,
				vaultURL:    vaultURL,
				loginPath:   loginPath,
				jpaths:      jpaths,
				caCertFile:  caCertFile,
				tokenFlag:   tokenFlag,
				tokenPath:   tokenPath,
				readyFDNum:  readyFDNum,
				debug:       debug,
				metricsAddr: metricsAddr,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configDir, "config-dir", "d", "", "configuration directory containing template records (required)")
	flags.StringVarP(&vaultURL, "vault-url", "u", "", "Vault server URL (defaults to $VAULT_URL)")
	flags.StringVarP(&loginPath, "login-path", "l", "", "Vault JWT login path (default /auth/kubernetes/login)")
	flags.StringArrayVarP(&jpaths, "jpath", "j", nil, "jsonnet library search path (repeatable)")
	flags.StringVarP(&caCertFile, "cacert", "c", "", "path to the Vault CA certificate file")
	flags.StringVarP(&tokenFlag, "token", "T", "", "env var name (checked first) or literal JWT used to authenticate to Vault")
	flags.StringVarP(&tokenPath, "token-path", "t", "", "path to a file containing the JWT used to authenticate to Vault")
	flags.BoolVarP(&showVersion, "version", "v", false, "print the version and exit")
	flags.IntVarP(&readyFDNum, "ready-fd", "r", 0, "file descriptor to signal once the first pass succeeds")
	flags.BoolVarP(&debug, "debug", "D", false, "enable debug logging")
	flags.StringVarP(&metricsAddr, "metrics-addr", "m", "", "address to serve Prometheus metrics on (disabled if empty)")

	return cmd
}

type daemonOptions struct {
	configDir   string
	vaultURL    string
	loginPath   string
	jpaths      []string
	caCertFile  string
	tokenFlag   string
	tokenPath   string
	readyFDNum  int
	debug       bool
	metricsAddr string
}

func runDaemon(opts daemonOptions) error {
	if opts.configDir == "" {
		return rcerrors.CliError{Message: "configuration directory is required (-d)"}
	}

	logger := logging.New(opts.debug, os.Getenv("NO_COLOR") != "")

	set, err := config.Load(opts.configDir)
	if err != nil {
		return err
	}

	backends := map[string]backend.Backend{
		pathexpr.BackendEnv:  backend.Env{},
		pathexpr.BackendFile: backend.File{},
		pathexpr.BackendExe:  backend.Exe{DropPrivileges: os.Geteuid() == 0},
	}

	vaultURL := opts.vaultURL
	if vaultURL == "" {
		vaultURL = os.Getenv("VAULT_URL")
	}

	var vault *vaultclient.Client
	if vaultURL != "" {
		jwt, err := resolveJWT(opts.tokenFlag, opts.tokenPath)
		if err != nil {
			return err
		}
		vault, err = vaultclient.New(vaultclient.Config{
			URL:        vaultURL,
			LoginPath:  opts.loginPath,
			CACertFile: opts.caCertFile,
		}, jwt)
		if err != nil {
			return err
		}
	}

	m := metrics.New()
	if opts.metricsAddr != "" {
		go serveMetrics(opts.metricsAddr, m, logger)
	}

	var readyFD *os.File
	if opts.readyFDNum > 0 {
		readyFD = os.NewFile(uintptr(opts.readyFDNum), "ready")
	}

	cache := secretcache.New()

	pipeline := manifest.New(manifest.Config{
		Backends:  backends,
		Vault:     vault,
		Cache:     cache,
		Evaluator: jsonnetengine.VM{JPaths: opts.jpaths},
		Writer:    writer.New(logger),
		Hooks:     hooks.New(logger),
		Logger:    logger,
		Metrics:   m,
		ReadyFD:   readyFD,
	})

	sched := scheduler.New(scheduler.Config{
		Pipeline: pipeline,
		Vault:    vault,
		Cache:    cache,
		Logger:   logger,
		Metrics:  m,
	})

	return sched.Run(context.Background(), set)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *logging.Logger) {
	srv := &http.Server{Addr: addr, Handler: m.Handler()}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics listener stopped: %v", err)
	}
}

// resolveJWT implements §6's JWT sourcing rule: -T names an environment
// variable first; if unset, the flag's value itself is treated as a
// literal JWT. -t is the fallback: a file (typically a mounted kubernetes
// service-account token) to read the JWT from.
func resolveJWT(tokenFlag, tokenPath string) (string, error) {
	if tokenFlag != "" {
		if v, ok := os.LookupEnv(tokenFlag); ok {
			return v, nil
		}
		return tokenFlag, nil
	}
	if tokenPath != "" {
		data, err := os.ReadFile(tokenPath)
		if err != nil {
			return "", rcerrors.CliError{Message: fmt.Sprintf("cannot read token file %s: %v", tokenPath, err)}
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", rcerrors.CliError{Message: "a Vault URL is configured but no JWT source was given (-T or -t)"}
}
