package main

import (
	"github.com/go-go-golems/chatline/cmd/chatline/cmds"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := cmds.NewRootCommand()
	err := rootCmd.Execute()
	cobra.CheckErr(err)
}
