package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"hearth/internal/config"
	"hearth/internal/logging"
	"hearth/migrations"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

var (
	openDB     = sql.Open
	loadConfig = config.LoadConfig
	fatalf     = func(format string, args ...any) {
		slog.Error("fatal", "error", fmt.Sprintf(format, args...))
		os.Exit(1)
	}
)

type migrateAction func(db *sql.DB, dir string, out io.Writer) error

var actions = map[string]migrateAction{
	"up":     func(db *sql.DB, dir string, _ io.Writer) error { return goose.Up(db, dir) },
	"down":   func(db *sql.DB, dir string, _ io.Writer) error { return goose.Down(db, dir) },
	"redo":   func(db *sql.DB, dir string, _ io.Writer) error { return goose.Redo(db, dir) },
	"status": func(db *sql.DB, dir string, _ io.Writer) error { return goose.Status(db, dir) },
	"version": func(db *sql.DB, _ string, out io.Writer) error {
		v, err := goose.GetDBVersion(db)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "version %d\n", v)
		return err
	},
}

func actionNames() string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

func main() {
	logging.Init("migrate", nil)
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fatalf("migrate: %v", err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN")
	cfgPath := fs.String("config", "", "config JSON; storage.postgres_dsn is used when -dsn is empty")
	dir := fs.String("dir", "./migrations", "migrations directory when -embed=false")
	action := fs.String("action", "", actionNames())
	useEmbed := fs.Bool("embed", true, "use the migrations compiled into the binary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" && *cfgPath != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			return err
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}
	if *action == "" {
		return errors.New("action required")
	}
	apply, ok := actions[*action]
	if !ok {
		return fmt.Errorf("unknown action %q (want %s)", *action, actionNames())
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if *useEmbed {
		goose.SetBaseFS(migrations.EmbeddedFS)
		*dir = "."
	}
	db, err := openDB("postgres", *dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("migrate", "action", *action, "embedded", *useEmbed)
	return apply(db, *dir, out)
}
