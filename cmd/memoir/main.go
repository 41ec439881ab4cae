package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "memoir",
		Short: "Memoir turns personal history into narrated stories",
	}
	root.AddCommand(serveCMD())
	root.AddCommand(storyCMD())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
