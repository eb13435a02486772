// Package main implements otun-forward, a standalone TCP port-forwarding
// REPL independent of the reverse tunnel.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/otun-project/otun/internal/portforward"
	"github.com/otun-project/otun/internal/version"
)

func main() {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "otun-forward",
		Short: "Port Forwarding Module",
		Long:  "otun-forward is an interactive port-forwarding rule engine.",
		Run: func(cmd *cobra.Command, args []string) {
			runREPL(configPath, debug)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Rule config file to load on startup")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun-forward " + version.Full())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runREPL(configPath string, debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	fmt.Println("\n=== otun - Port Forwarding Module ===")
	fmt.Println("Type 'help' for available commands")

	manager := portforward.NewManager()

	if configPath != "" {
		n, err := manager.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", configPath, err)
		} else if n > 0 {
			fmt.Printf("Loaded %d rules from %s\n", n, configPath)
			portforward.ProcessCommand(manager, "list", os.Stdout)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if portforward.ProcessCommand(manager, scanner.Text(), os.Stdout) {
			break
		}
	}

	manager.Stop()
	fmt.Println("\nGoodbye!")
}
