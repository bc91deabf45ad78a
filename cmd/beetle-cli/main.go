// Command beetle-cli is a maintenance tool outside the RESP surface. It
// replaces yonwoo9/go-bitcask's example/main.go, a hand-driven
// walkthrough of the library's Put/Get/BatchPut/Iterator API, with the
// one maintenance operation that API walkthrough never needed a server
// for: taking a consistent on-disk backup.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/beetledb/beetle/internal/config"
	"github.com/beetledb/beetle/internal/shard"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "beetle-cli:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: beetle-cli backup <dest-dir> [config-file]")
	}

	switch args[0] {
	case "backup":
		return runBackup(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("usage: beetle-cli backup <dest-dir> [config-file]")
	}
	dest := fs.Arg(0)
	var configPath string
	if fs.NArg() > 1 {
		configPath = fs.Arg(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := shard.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	if err := engine.Snapshot(dest); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	fmt.Printf("backup written to %s\n", dest)
	return nil
}
