// Package main is a command line remote for live presentation sessions: it can present, control and mint
// presenter tokens.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
