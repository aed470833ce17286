package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/pollcast/internal/config"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pollcast",
		Short: "Multi-channel live poll orchestration",
		Long:  `Pollcast runs a single logical poll across many live-streaming channels at once, using the official polls API where a channel's tier allows it and chat voting everywhere else, and folds the votes into one aggregate result.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")

	rootCmd.AddCommand(
		newStartCmd(),
		newLaunchCmd(),
		newCancelCmd(),
		newStatusCmd(),
		newInitCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show Pollcast version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Pollcast v%s\n", version)
		},
	}
}

func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	return config.DefaultConfigPath()
}
