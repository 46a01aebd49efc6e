// Command foldersyncd is the daemon entry point: parse env-derived
// config and CLI subcommands (internal/cliconfig), build the engine,
// and run whichever subcommand was requested.
//
// Grounded on the teacher's cmd/syncthing/main.go: one flat main()
// building config, then dispatching to a subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/foldersync/foldersyncd/internal/cliconfig"
	"github.com/foldersync/foldersyncd/internal/engine"
)

func main() {
	var cli cliconfig.CLI
	ctx := kong.Parse(&cli,
		kong.Name("foldersyncd"),
		kong.Description("Synchronizes directory trees between a remote host and local filesystem (or two remote hosts) over SSH."),
	)

	if err := cli.Config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "foldersyncd:", err)
		os.Exit(cliconfig.ExitConfigInvalid)
	}

	// validate-system must still report missing tools even when the
	// store is unreachable, so it's the one subcommand that runs
	// without an Engine binding (cliconfig.ValidateSystemCmd.Run takes
	// no Engine parameter).
	if ctx.Command() == "validate-system" {
		err := ctx.Run(cli.Config)
		if err != nil {
			fmt.Fprintln(os.Stderr, "foldersyncd:", err)
		}
		os.Exit(cliconfig.ExitCode(err))
	}

	eng, err := engine.New(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "foldersyncd:", err)
		os.Exit(cliconfig.ExitStoreUnavailable)
	}
	defer eng.Close()

	// Not ctx.FatalIfErrorf: that calls os.Exit(1) itself, which would
	// clobber spec.md §6's distinct exit codes below. BindTo registers
	// eng under the cliconfig.Engine interface type the Run methods take.
	ctx.BindTo(eng, (*cliconfig.Engine)(nil))
	err = ctx.Run(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "foldersyncd:", err)
	}
	os.Exit(cliconfig.ExitCode(err))
}
