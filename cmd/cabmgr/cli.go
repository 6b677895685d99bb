package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andreyvit/cabinet"
	"github.com/andreyvit/cabinet/tdb"
)

type Globals struct {
	Type    string `short:"t" enum:"auto,hash,btree,fixed,table" default:"auto" env:"CABINET_TYPE" help:"Database type (${enum}); auto reads it from the file."`
	Backend string `enum:"auto,hash,btree,bolt" default:"auto" env:"CABINET_BACKEND" help:"Record backend of table databases (${enum})."`
	NoLock  bool   `help:"Do not lock the database file."`
	Verbose bool   `short:"v" help:"Log store activity to stderr."`
}

type CLI struct {
	Globals

	Create   CreateCmd   `cmd:"" help:"Create a database file, replacing an existing one."`
	Inform   InformCmd   `cmd:"" help:"Print layout and statistics of a database."`
	Put      PutCmd      `cmd:"" help:"Store a record."`
	Get      GetCmd      `cmd:"" help:"Print a record."`
	Out      OutCmd      `cmd:"" help:"Remove a record."`
	List     ListCmd     `cmd:"" help:"List records."`
	Search   SearchCmd   `cmd:"" help:"Query a table database."`
	Copy     CopyCmd     `cmd:"" help:"Write a snapshot of a database to another file."`
	Optimize OptimizeCmd `cmd:"" help:"Rebuild a database file without free space."`
	Vanish   VanishCmd   `cmd:"" help:"Remove all records."`
}

// TuneFlags are the tuning parameters accepted by create and optimize. Zero
// values leave the defaults, or the current tuning on optimize.
type TuneFlags struct {
	BNum   int64    `name:"bnum" help:"Number of hash buckets."`
	APow   int      `name:"apow" help:"Record alignment power."`
	FPow   int      `name:"fpow" help:"Free block pool power."`
	Opts   []string `name:"opts" help:"Tuning options: large, deflate, bzip, tcbs, excodec."`
	LMemb  int      `name:"lmemb" help:"Records per B+tree leaf."`
	NMemb  int      `name:"nmemb" help:"Entries per B+tree node."`
	Cmp    string   `name:"cmp" help:"Comparator of a new B+tree: lexical, decimal, int32, int64."`
	Width  int      `name:"width" help:"Value width of a fixed-length database, 0 for unbounded."`
	LimSiz int64    `name:"limsiz" help:"Size limit of a fixed-length database in bytes."`
}

func (f *TuneFlags) tuneOpts() (cabinet.TuneOpts, error) {
	var opts cabinet.TuneOpts
	names := []string{"large", "deflate", "bzip", "tcbs", "excodec"}
	for _, o := range f.Opts {
		i := slices.Index(names, o)
		if i < 0 {
			return 0, fmt.Errorf("%w: unknown tuning option %q", cabinet.ErrConfig, o)
		}
		opts |= cabinet.TuneOpts(1 << i)
	}
	return opts, opts.Validate()
}

type CreateCmd struct {
	Path string `arg:"" help:"Database file."`
	TuneFlags
}

func (c *CreateCmd) Run(g *Globals, env *Env) error {
	if g.Type == "auto" {
		return fmt.Errorf("%w: create needs --type", cabinet.ErrConfig)
	}
	s, err := openStore(g, env, c.Path, cabinet.Writer|cabinet.Create|cabinet.Truncate, &c.TuneFlags)
	if err != nil {
		return err
	}
	return s.close()
}

type InformCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *InformCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Reader, func(s store) error {
		return s.inform(env.Stdout)
	})
}

type PutCmd struct {
	Path   string   `arg:"" help:"Database file."`
	Key    string   `arg:"" help:"Key; for fixed-length databases a number, min, max, prev or next."`
	Values []string `arg:"" optional:"" help:"Value, or name=value columns for tables."`
	Mode   string   `short:"m" enum:"over,keep,cat,dup,addint,adddbl" default:"over" help:"Put mode (${enum})."`
}

func (c *PutCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Writer, func(s store) error {
		out, err := s.put(c.Key, c.Values, c.Mode)
		if err == nil && out != "" {
			fmt.Fprintln(env.Stdout, out)
		}
		return err
	})
}

type GetCmd struct {
	Path string `arg:"" help:"Database file."`
	Key  string `arg:"" help:"Key."`
}

func (c *GetCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Reader, func(s store) error {
		lines, err := s.get(c.Key)
		for _, line := range lines {
			fmt.Fprintln(env.Stdout, line)
		}
		return err
	})
}

type OutCmd struct {
	Path string `arg:"" help:"Database file."`
	Key  string `arg:"" help:"Key."`
}

func (c *OutCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Writer, func(s store) error {
		return s.out(c.Key)
	})
}

type ListCmd struct {
	Path   string `arg:"" help:"Database file."`
	Prefix string `help:"Only keys starting with this prefix."`
	Max    int    `short:"m" default:"-1" help:"Maximum number of records, negative for all."`
	Values bool   `short:"p" help:"Print values after the keys."`
}

func (c *ListCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Reader, func(s store) error {
		n := 0
		return s.list(c.Prefix, func(key, val string) bool {
			if c.Max >= 0 && n >= c.Max {
				return false
			}
			n++
			if c.Values {
				fmt.Fprintf(env.Stdout, "%s\t%s\n", key, val)
			} else {
				fmt.Fprintln(env.Stdout, key)
			}
			return true
		})
	})
}

type SearchCmd struct {
	Path    string   `arg:"" help:"Table database file."`
	Filters []string `name:"filter" short:"f" sep:"none" placeholder:"COL:COND:OPERAND" help:"Condition such as age:numge:30; an empty column is the primary key, a ! before the condition negates it."`
	Order   string   `placeholder:"COL:TYPE" help:"Ordering such as age:numdesc (strasc, strdesc, numasc, numdesc)."`
	Max     int      `short:"m" default:"-1" help:"Maximum number of results, negative for all."`
	Skip    int      `help:"Number of leading results to skip."`
	Values  bool     `short:"p" help:"Print the columns of every result."`
	Count   bool     `help:"Print only the number of results."`
	Remove  bool     `help:"Remove every result."`
}

func (c *SearchCmd) query(db *tdb.DB) (*tdb.Query, error) {
	q := db.Query()
	for _, f := range c.Filters {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: filter %q is not COL:COND:OPERAND", cabinet.ErrConfig, f)
		}
		cond, err := tdb.ParseCond(parts[1])
		if err != nil {
			return nil, err
		}
		q.Filter(parts[0], cond, parts[2])
	}
	if c.Order != "" {
		col, typ, found := strings.Cut(c.Order, ":")
		otype := tdb.StrAsc
		if found {
			var err error
			if otype, err = tdb.ParseOrderType(typ); err != nil {
				return nil, err
			}
		}
		q.Order(col, otype)
	}
	return q.Limit(c.Max, c.Skip), nil
}

func (c *SearchCmd) Run(g *Globals, env *Env) error {
	if g.Type != "auto" && g.Type != "table" {
		return fmt.Errorf("%w: search works on table databases only", cabinet.ErrConfig)
	}
	mode := cabinet.Reader
	if c.Remove {
		mode = cabinet.Writer
	}
	gt := *g
	gt.Type = "table"
	return withStore(&gt, env, c.Path, mode, func(s store) error {
		q, err := c.query(s.(*tableStore).db)
		if err != nil {
			return err
		}
		switch {
		case c.Remove:
			n, err := q.Remove()
			if err == nil {
				fmt.Fprintf(env.Stdout, "removed %d\n", n)
			}
			return err
		case c.Count:
			n, err := q.Count()
			if err == nil {
				fmt.Fprintln(env.Stdout, n)
			}
			return err
		}
		recs, err := q.Records()
		for _, r := range recs {
			if c.Values {
				fmt.Fprintf(env.Stdout, "%s\t%s\n", r.PK, formatColumns(r.Cols))
			} else {
				fmt.Fprintf(env.Stdout, "%s\n", r.PK)
			}
		}
		return err
	})
}

type CopyCmd struct {
	Path string `arg:"" help:"Database file."`
	Dest string `arg:"" help:"Destination file."`
}

func (c *CopyCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Reader, func(s store) error {
		return s.copy(c.Dest)
	})
}

type OptimizeCmd struct {
	Path string `arg:"" help:"Database file."`
	TuneFlags
}

func (c *OptimizeCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Writer, func(s store) error {
		return s.optimize(&c.TuneFlags)
	})
}

type VanishCmd struct {
	Path string `arg:"" help:"Database file."`
}

func (c *VanishCmd) Run(g *Globals, env *Env) error {
	return withStore(g, env, c.Path, cabinet.Writer, func(s store) error {
		return s.vanish()
	})
}
