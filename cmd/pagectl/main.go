// Command pagectl runs the page verification pipeline from the command line:
// verify a photo, store a reference page, or verify a batch of photos.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

const usage = `usage: pagectl <command> [flags]

commands:
  verify     -isbn N [-ref file -page P] photo
  reference  -isbn N -page P photo
  batch      -isbn N [-ref file -page P] photo|dir ...
  sweep      [-older 30m]

Configuration is read like the server's (PAGEVERIFY_CONFIG, then env).
Without DATABASE_URL an in-memory store is used; -ref seeds it from a text
file holding the reference page, one line per line.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		code int
		err  error
	)
	switch args[0] {
	case "verify":
		code, err = cmdVerify(ctx, args[1:])
	case "reference":
		code, err = cmdReference(ctx, args[1:])
	case "batch":
		code, err = cmdBatch(ctx, args[1:])
	case "sweep":
		code, err = cmdSweep(args[1:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		color.Red("Error: %v\n", err)
		return 2
	}
	return code
}
