// Command tillerd runs the task-orchestration daemon: the completion
// pipeline, the overseer bridge, and the work-queue workers.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/strandlabs/tiller/internal/config"
	"github.com/strandlabs/tiller/internal/daemon"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		if err := runInit(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "tillerd init: %v\n", err)
			os.Exit(1)
		}
	case "run":
		if err := runDaemon(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "tillerd: %v\n", err)
			os.Exit(1)
		}
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  tillerd init [dir]           write a default config into dir (default ".")
  tillerd run  [-config path]  run the daemon`)
}

func runInit(args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	path := filepath.Join(dir, "tiller.yaml")
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "tiller.yaml", "path to the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	d, err := daemon.New(*cfgPath)
	if err != nil {
		return err
	}
	return d.Run()
}
