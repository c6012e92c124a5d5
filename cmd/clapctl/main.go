// Command clapctl administers a clapsql database of JSON documents.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/totoro-dev/clapsql"
)

const iniFilename = "clapctl.ini"

type dbConfig struct {
	Root         string `long:"root" env:"ROOT" default:"clapdata" description:"Database directory"`
	Codec        string `long:"codec" env:"CODEC" choice:"json" choice:"msgpack" default:"json" description:"Row encoding of sub-table files"`
	CacheCeiling int    `long:"cache-ceiling" env:"CACHE_CEILING" description:"Maximum number of cached rows (0 for the default)"`
	Snapshot     string `long:"snapshot" env:"SNAPSHOT" description:"Cache snapshot file (defaults to a file in the temp directory)"`
	NoSnapshot   bool   `long:"no-snapshot" env:"NO_SNAPSHOT" description:"Neither restore nor save the cache snapshot"`
	NoSync       bool   `long:"no-sync" env:"NO_SYNC" description:"Skip fdatasync after rewriting a sub-table"`
	Workers      int    `long:"workers" env:"WORKERS" description:"Batch workers (0 for one per CPU)"`
}

type logConfig struct {
	Level   string `long:"level" env:"LEVEL" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Verbose bool   `long:"verbose" env:"VERBOSE" description:"Trace every store operation at debug level"`
}

var (
	cfg = new(struct {
		DB  dbConfig  `group:"Database" namespace:"db" env-namespace:"CLAPSQL"`
		Log logConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
	})

	parser = flags.NewParser(cfg, flags.Default)

	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

func init() {
	mustAddCmd("create", "Create tables", `
Create one or more tables. Creating an existing table does nothing.
`, &cmdCreate{})
	mustAddCmd("drop", "Drop tables", `
Delete every sub-table of the given tables and then the table directories.
`, &cmdDrop{})
	mustAddCmd("put", "Insert documents", `
Insert documents read from the given files, or stdin, into a table. Every
document must carry its key in the "key" field. Documents whose key already
exists are skipped.
`, &cmdPut{})
	mustAddCmd("get", "Print documents by key", "", &cmdGet{})
	mustAddCmd("list", "List documents of a table", `
List every document of a table, optionally filtered by --where field=value
conditions which must all hold.
`, &cmdList{})
	mustAddCmd("delete", "Delete documents", `
Delete documents by key, or every document matching --where conditions.
`, &cmdDelete{})
	mustAddCmd("dump", "Dump tables as text", "", &cmdDump{})
	mustAddCmd("stats", "Print table and cache statistics", "", &cmdStats{})

	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+iniFilename+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

func mustAddCmd(name, short, long string, data any) {
	if _, err := parser.AddCommand(name, short, long, data); err != nil {
		panic(err)
	}
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	ini := flags.NewIniParser(p.Parser)
	ini.Write(stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}

// parseConfig reads the optional INI file from the working directory or
// ~/.config/clapsql, then the command line.
func parseConfig(args []string) error {
	orig := parser.Options
	parser.Options |= flags.IgnoreUnknown
	ini := flags.NewIniParser(parser)
	for _, dir := range []string{".", filepath.Join(os.Getenv("HOME"), ".config", "clapsql")} {
		if err := ini.ParseFile(filepath.Join(dir, iniFilename)); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	parser.Options = orig

	_, err := parser.ParseArgs(args)
	return err
}

func newLogger(w *os.File, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(tint.NewHandler(colorable.NewColorable(w), &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	}))
}

var logger = slog.Default()

func openDB() (*clapsql.DB[doc], error) {
	var codec clapsql.Codec[doc] = clapsql.JSONCodec[doc]{}
	if cfg.DB.Codec == "msgpack" {
		codec = clapsql.MsgpackCodec[doc]{}
	}
	return clapsql.Open(cfg.DB.Root, codec, clapsql.Options{
		Logger:          logger,
		Verbose:         cfg.Log.Verbose,
		CacheCeiling:    cfg.DB.CacheCeiling,
		CacheSnapshot:   cfg.DB.Snapshot,
		NoCacheSnapshot: cfg.DB.NoSnapshot,
		NoSync:          cfg.DB.NoSync,
		Workers:         cfg.DB.Workers,
	})
}

// withDB opens the database for the duration of fn.
func withDB(fn func(db *clapsql.DB[doc]) error) (err error) {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(db)
}

func main() {
	// commands run after the config is parsed, so the logger is set up in between
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		logger = newLogger(os.Stderr, cfg.Log.Level)
		slog.SetDefault(logger)
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	// go-flags has already printed the error
	if err := parseConfig(os.Args[1:]); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) {
			switch fe.Type {
			case flags.ErrHelp:
				os.Exit(0)
			case flags.ErrCommandRequired:
				fmt.Fprintln(os.Stderr)
				parser.WriteHelp(os.Stderr)
			}
		}
		os.Exit(1)
	}
}
