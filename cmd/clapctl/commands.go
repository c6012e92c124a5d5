package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/totoro-dev/clapsql"
)

type cmdCreate struct {
	Args struct {
		Tables []string `positional-arg-name:"TABLE" required:"1"`
	} `positional-args:"yes"`
}

func (cmd *cmdCreate) Execute([]string) error {
	return withDB(func(db *clapsql.DB[doc]) error {
		for _, table := range cmd.Args.Tables {
			if err := db.CreateTable(table); err != nil {
				return err
			}
			logger.Info("table created", "table", table)
		}
		return nil
	})
}

type cmdDrop struct {
	Args struct {
		Tables []string `positional-arg-name:"TABLE" required:"1"`
	} `positional-args:"yes"`
}

func (cmd *cmdDrop) Execute([]string) error {
	return withDB(func(db *clapsql.DB[doc]) error {
		for _, table := range cmd.Args.Tables {
			if err := db.DropTable(table); err != nil {
				return err
			}
			logger.Info("table dropped", "table", table)
		}
		return nil
	})
}

type cmdPut struct {
	Format string `long:"format" short:"f" choice:"json" choice:"yaml" default:"json" description:"Input format"`
	Args   struct {
		Table string   `positional-arg-name:"TABLE" required:"yes"`
		Files []string `positional-arg-name:"FILE"`
	} `positional-args:"yes"`
}

func (cmd *cmdPut) Execute([]string) error {
	docs, err := readDocs(cmd.Format, cmd.Args.Files)
	if err != nil {
		return err
	}
	return withDB(func(db *clapsql.DB[doc]) error {
		done := make(chan error, 1)
		db.Batch().InsertBatch(cmd.Args.Table, docs, func(_ bool, err error) { done <- err })
		if err := <-done; err != nil {
			return err
		}
		logger.Info("documents inserted", "table", cmd.Args.Table, "docs", len(docs))
		return nil
	})
}

// readDocs decodes every document of the given files, or of stdin when there
// are none.
func readDocs(format string, files []string) ([]doc, error) {
	read := func(r io.Reader, name string) ([]doc, error) {
		var docs []doc
		next := json.NewDecoder(r).Decode
		if format == "yaml" {
			next = yaml.NewDecoder(r).Decode
		}
		for {
			var d doc
			if err := next(&d); errors.Is(err, io.EOF) {
				return docs, nil
			} else if err != nil {
				return nil, fmt.Errorf("%s: document %d: %w", name, len(docs)+1, err)
			}
			if d == nil {
				continue
			}
			if err := d.normalizeKey(); err != nil {
				return nil, fmt.Errorf("%s: document %d: %w", name, len(docs)+1, err)
			}
			docs = append(docs, d)
		}
	}

	if len(files) == 0 {
		return read(stdin, "stdin")
	}
	var all []doc
	for _, fn := range files {
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		docs, err := read(f, fn)
		f.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return all, nil
}

type OutputConfig struct {
	Output string `long:"output" short:"o" choice:"table" choice:"json" choice:"yaml" default:"table" description:"Output format"`
}

type cmdGet struct {
	OutputConfig
	Args struct {
		Table string   `positional-arg-name:"TABLE" required:"yes"`
		Keys  []string `positional-arg-name:"KEY" required:"1"`
	} `positional-args:"yes"`
}

func (cmd *cmdGet) Execute([]string) error {
	return withDB(func(db *clapsql.DB[doc]) error {
		var docs []doc
		for _, key := range cmd.Args.Keys {
			d, err := db.SelectByKey(cmd.Args.Table, key)
			if errors.Is(err, clapsql.ErrRowNotFound) || errors.Is(err, clapsql.ErrSubTableNotFound) {
				logger.Warn("key not found", "table", cmd.Args.Table, "key", key)
				continue
			} else if err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return writeDocs(stdout, cmd.Output, docs)
	})
}

type cmdList struct {
	OutputConfig
	Where []string `long:"where" short:"w" description:"Only documents whose field equals value (field=value, repeatable)"`
	Args  struct {
		Table string `positional-arg-name:"TABLE" required:"yes"`
	} `positional-args:"yes"`
}

func (cmd *cmdList) Execute([]string) error {
	w, err := parseWhere(cmd.Where)
	if err != nil {
		return err
	}
	return withDB(func(db *clapsql.DB[doc]) error {
		type result struct {
			docs []doc
			err  error
		}
		done := make(chan result, 1)
		db.Batch().SelectBatch(cmd.Args.Table, w.match, func(docs []doc, err error) {
			done <- result{docs, err}
		})
		r := <-done
		if r.err != nil {
			return r.err
		}
		return writeDocs(stdout, cmd.Output, r.docs)
	})
}

type cmdDelete struct {
	Where []string `long:"where" short:"w" description:"Delete documents whose field equals value (field=value, repeatable)"`
	Args  struct {
		Table string   `positional-arg-name:"TABLE" required:"yes"`
		Keys  []string `positional-arg-name:"KEY"`
	} `positional-args:"yes"`
}

func (cmd *cmdDelete) Execute([]string) error {
	if (len(cmd.Args.Keys) == 0) == (len(cmd.Where) == 0) {
		return errors.New("either keys or --where conditions are required")
	}
	w, err := parseWhere(cmd.Where)
	if err != nil {
		return err
	}
	return withDB(func(db *clapsql.DB[doc]) error {
		var n int
		if len(w) > 0 {
			removed, err := db.DeleteByCondition(cmd.Args.Table, w.match)
			if err != nil {
				return err
			}
			n = len(removed)
		}
		for _, key := range cmd.Args.Keys {
			err := db.DeleteByKey(cmd.Args.Table, key)
			if errors.Is(err, clapsql.ErrRowNotFound) || errors.Is(err, clapsql.ErrSubTableNotFound) {
				logger.Warn("key not found", "table", cmd.Args.Table, "key", key)
				continue
			} else if err != nil {
				return err
			}
			n++
		}
		fmt.Fprintf(stdout, "deleted %d documents\n", n)
		return nil
	})
}

type cmdDump struct {
	NoRows  bool `long:"no-rows" description:"Omit the documents"`
	NoCache bool `long:"no-cache" description:"Omit the cache listing"`
	Args    struct {
		Tables []string `positional-arg-name:"TABLE"`
	} `positional-args:"yes"`
}

func (cmd *cmdDump) Execute([]string) error {
	f := clapsql.DumpAll
	if cmd.NoRows {
		f &^= clapsql.DumpRows
	}
	if cmd.NoCache {
		f &^= clapsql.DumpCache
	}
	return withDB(func(db *clapsql.DB[doc]) error {
		out, err := db.Dump(f, cmd.Args.Tables...)
		io.WriteString(stdout, out)
		return err
	})
}

type cmdStats struct {
	Args struct {
		Tables []string `positional-arg-name:"TABLE"`
	} `positional-args:"yes"`
}

func (cmd *cmdStats) Execute([]string) error {
	return withDB(func(db *clapsql.DB[doc]) error {
		tables := cmd.Args.Tables
		if len(tables) == 0 {
			var err error
			if tables, err = db.Tables(); err != nil {
				return err
			}
		}

		tw := tablewriter.NewWriter(stdout)
		tw.Header("Table", "Sub-tables", "Rows", "Disk")
		for _, table := range tables {
			ts, err := db.TableStats(table)
			if err != nil {
				return err
			}
			if err := tw.Append([]string{
				table,
				humanize.Comma(int64(ts.SubTables)),
				humanize.Comma(int64(ts.Rows)),
				humanize.IBytes(uint64(ts.DiskSize)),
			}); err != nil {
				return err
			}
		}
		if err := tw.Render(); err != nil {
			return err
		}

		st := db.Stats()
		fmt.Fprintf(stdout, "cache: %s rows in %s sub-tables, ceiling %s, %s hits, %s misses\n",
			humanize.Comma(int64(st.Cache.Rows)), humanize.Comma(int64(st.Cache.Entries)), humanize.Comma(int64(st.Cache.Ceiling)),
			humanize.Comma(int64(st.Cache.Hits)), humanize.Comma(int64(st.Cache.Misses)))
		return nil
	})
}
