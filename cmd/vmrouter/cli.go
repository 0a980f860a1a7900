package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/flowpbx/vmrouter/internal/config"
	"github.com/flowpbx/vmrouter/internal/database"
	"github.com/flowpbx/vmrouter/internal/registry"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "vmrouter",
		Usage:   "Voicemail router for Asterisk DIDs",
		Version: Version,
		Commands: []*cli.Command{
			serveCmd(),
			checkDIDCmd(),
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd runs the router, lifecycle monitor and admin API. Flags are
// handed to config.Load untouched.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:            "serve",
		Usage:           "Run the voicemail router (default)",
		ArgsUsage:       "[server flags]",
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.Args().Slice())
			if err != nil {
				return err
			}
			return serve(c.Context, cfg)
		},
	}
}

// checkDIDCmd prints the dialplan variables for a DID in AGI form. It only
// reads the registry.
func checkDIDCmd() *cli.Command {
	return &cli.Command{
		Name:            "check-did",
		Usage:           "Print SET VARIABLE lines (CATCH_ALL_ENABLED, DID_EXISTS) for a DID",
		ArgsUsage:       "[server flags] <did>",
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			args := c.Args().Slice()
			if len(args) == 0 {
				return errors.New("check-did: a DID is required")
			}
			did := strings.TrimSpace(args[len(args)-1])
			cfg, err := config.Load(args[:len(args)-1])
			if err != nil {
				return err
			}
			flags, err := checkDID(c, cfg, did)
			if err != nil {
				return err
			}
			return writeDialplanFlags(c.App.Writer, flags)
		},
	}
}

func checkDID(c *cli.Context, cfg *config.Config, did string) (map[string]string, error) {
	// stdout belongs to the dialplan; keep logs on stderr and quiet.
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	db, err := database.Open(c.Context, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	reg := registry.New(database.NewDocumentRepository(db), logger)
	if err := reg.Load(c.Context); err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	return reg.DialplanFlags(did), nil
}

// writeDialplanFlags writes one SET VARIABLE line per flag, sorted by name.
func writeDialplanFlags(w io.Writer, flags map[string]string) error {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := fmt.Fprintf(w, "SET VARIABLE %s %s\n", name, flags[name]); err != nil {
			return err
		}
	}
	return nil
}
