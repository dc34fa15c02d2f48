package main

import (
	"fmt"
	"os"

	"github.com/mandelsoft/vfs/pkg/osfs"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	env := &appContext{
		stdout: colorable.NewColorable(os.Stdout),
		stderr: colorable.NewColorable(os.Stderr),
		fs:     osfs.New(),
		color:  isatty.IsTerminal(os.Stderr.Fd()),
	}
	if err := run(os.Args[1:], env); err != nil {
		fmt.Fprintf(env.stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
