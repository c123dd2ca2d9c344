package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mdfilterd",
	Short: "Markdown response filter reverse proxy",
	Long:  `mdfilterd fronts an upstream HTTP server and converts eligible text/html responses to text/markdown for clients that negotiate it.`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
