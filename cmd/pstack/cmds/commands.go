// Package cmds implements the pstack command line.
package cmds

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/go-pstack/pstack/pkg/config"
	"github.com/go-pstack/pstack/pkg/logflags"
	"github.com/go-pstack/pstack/pkg/proc"
)

var (
	// log selects whether the decoder layers write debug output.
	log       bool
	logOutput string

	doArgs    bool
	noSrc     bool
	jsonOut   bool
	verbose   bool
	maxFrames int

	conf *config.Config
)

// New returns the root command.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "pstack [pid | core executable]...",
		Short: "Print stack traces of running processes or core files.",
		Long: `Pstack prints the stack of every thread of its targets.

A numeric argument is the pid of a live process; the process is
stopped while its stacks are read and resumed afterwards. A pair of
file arguments names a core file and the executable that produced
it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: run,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVar(&log, "log", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVar(&logOutput, "log-output", "", "Comma separated list of layers to log (elf,dwarf,frame,unwind).")
	rootCommand.Flags().BoolVarP(&doArgs, "doargs", "a", false, "Attempt to print function argument values.")
	rootCommand.Flags().BoolVarP(&noSrc, "nosrc", "s", false, "Suppress source file and line annotations.")
	rootCommand.Flags().BoolVarP(&jsonOut, "json", "j", false, "Emit the stacks as JSON.")
	rootCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include ip and cfa values in the text output.")
	rootCommand.Flags().IntVar(&maxFrames, "max-frames", 0, "Maximum frames printed per thread.")

	return rootCommand
}

func options() proc.Options {
	opts := proc.Options{
		DoArgs:           doArgs,
		NoSrc:            noSrc,
		Verbose:          verbose,
		MaxFrames:        maxFrames,
		DebugDirs:        conf.DebugInfoDirectories,
		PathReplacements: conf.SubstitutePath,
	}
	if opts.MaxFrames == 0 {
		opts.MaxFrames = conf.MaxFrames
	}
	return opts
}

func run(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput); err != nil {
		return err
	}

	exitCode := 1
	for i := 0; i < len(args); i++ {
		if pid, err := strconv.Atoi(args[i]); err == nil {
			if dumpTarget(func() (*proc.Target, error) { return proc.AttachLive(pid, options()) }) {
				exitCode = 0
			}
			continue
		}
		if i+1 >= len(args) {
			return fmt.Errorf("core file %q needs the executable as the next argument", args[i])
		}
		core, exe := args[i], args[i+1]
		i++
		if dumpTarget(func() (*proc.Target, error) { return proc.OpenCore(core, exe, options()) }) {
			exitCode = 0
		}
	}
	if exitCode != 0 {
		return fmt.Errorf("no stacks could be produced")
	}
	return nil
}

// dumpTarget opens one target and prints every thread. It reports
// whether at least one frame was produced; errors after that point
// are warnings, matching the tool's forgiving exit status contract.
func dumpTarget(open func() (*proc.Target, error)) bool {
	target, err := open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return false
	}
	defer target.Close()

	produced := false
	for _, th := range target.Threads {
		frames, err := target.UnwindThread(th)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: unwinding thread %d: %v\n", th.Tid, err)
		}
		if len(frames) > 0 {
			produced = true
		}
		if jsonOut {
			target.DumpStackJSON(os.Stdout, th, frames)
		} else {
			target.DumpStackText(os.Stdout, th, frames)
		}
	}
	return produced
}
