package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/doorman-gateway/accounting/internal/app"
	"github.com/doorman-gateway/accounting/internal/config"
	"github.com/doorman-gateway/accounting/internal/security"
	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run dispatches to a subcommand; with none it serves the API.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		return runServe(ctx, args)
	case "migrate":
		return runMigrate(ctx, args)
	case "init":
		return runInit(args)
	case "token":
		return runToken(args, stdout)
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate, init or token)", command)
	}
}

// resolveAppConfig applies the -config flag over CONFIG_PATH.
func resolveAppConfig(cfgPath string) (config.AppConfig, error) {
	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return config.AppConfig{}, err
	}
	if strings.TrimSpace(cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(cfgPath)
	}
	return appCfg, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "server port (overrides server.port)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	if *port != 0 {
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
	}

	appCfg, err := resolveAppConfig(*cfgPath)
	if err != nil {
		return err
	}
	return app.RunServer(ctx, appCfg, *port)
}

func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	appCfg, err := resolveAppConfig(*cfgPath)
	if err != nil {
		return err
	}
	if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
		return errMigrate
	}
	log.Info("migrations applied")
	return nil
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path to create (or env CONFIG_PATH)")
	var req app.InitRequest
	fs.StringVar(&req.DatabaseType, "db-type", "sqlite", "database type: postgres or sqlite")
	fs.StringVar(&req.DatabaseHost, "db-host", "localhost", "postgres host")
	fs.IntVar(&req.DatabasePort, "db-port", 5432, "postgres port")
	fs.StringVar(&req.DatabaseUser, "db-user", "", "postgres user")
	fs.StringVar(&req.DatabasePassword, "db-password", "", "postgres password")
	fs.StringVar(&req.DatabaseName, "db-name", "", "postgres database name")
	fs.StringVar(&req.DatabaseSSLMode, "db-sslmode", "disable", "postgres sslmode")
	fs.StringVar(&req.DatabasePath, "db-path", "", "sqlite database file")
	fs.IntVar(&req.Port, "port", 8318, "server port written to the config")
	fs.StringVar(&req.RedisAddr, "redis-addr", "", "optional redis address for scheduler leases")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	if errValidate := validatePort(req.Port); errValidate != nil {
		return errValidate
	}
	appCfg, err := resolveAppConfig(*cfgPath)
	if err != nil {
		return err
	}
	return app.RunInit(config.ResolveConfigPath(appCfg.ConfigPath), req)
}

func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	username := fs.String("user", "", "session subject")
	perms := fs.String("permissions", "", "comma separated permissions, e.g. manage_credits,consume_tokens")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to jwt.expiry)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	appCfg, err := resolveAppConfig(*cfgPath)
	if err != nil {
		return err
	}
	var granted []string
	if strings.TrimSpace(*perms) != "" {
		granted = strings.Split(*perms, ",")
	}
	creds, err := app.IssueToken(appCfg, *username, granted, *ttl)
	if err != nil {
		return err
	}
	_, errWrite := fmt.Fprintf(stdout, "%s=%s\n%s=%s\n%s: %s\n",
		security.SessionCookieName, creds.Session,
		security.CSRFCookieName, creds.CSRF,
		security.CSRFHeaderName, creds.CSRF)
	return errWrite
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
