// Command cabmgr creates, inspects and edits cabinet database files of every
// kind from the command line.
//
//	cabmgr -t hash create data.hdb --bnum 1000
//	cabmgr put data.hdb key value
//	cabmgr -t table put people.tdb jdoe name="John Doe" age=45
//	cabmgr search people.tdb -f age:numge:30 --order age:numdesc
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/andreyvit/cabinet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type exitCode int

// Env is what commands need from the process.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// run executes one command line and returns the process exit code: 0 on
// success, 1 when the command fails, 2 for usage errors.
func run(args []string, stdout, stderr io.Writer) (rc int) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("cabmgr"),
		kong.Description("Manage cabinet hash, B+tree, fixed-length and table database files."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { panic(exitCode(code)) }),
		kong.UsageOnError(),
	)
	if err != nil {
		panic(err)
	}
	defer func() {
		if r := recover(); r != nil {
			code, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			rc = int(code)
		}
	}()

	ctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "cabmgr: %v\n", err)
		return 2
	}

	level := slog.LevelWarn
	if cli.Verbose {
		level = slog.LevelDebug
	}
	env := &Env{
		Stdout: stdout,
		Stderr: stderr,
		Logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
	}
	if err := ctx.Run(&cli.Globals, env); err != nil {
		fmt.Fprintf(stderr, "cabmgr: %v\n", err)
		if errors.Is(err, cabinet.ErrConfig) && !errors.Is(err, cabinet.ErrIO) {
			return 2
		}
		return 1
	}
	return 0
}
