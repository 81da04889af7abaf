// Package main is the entry point for the sentinel service and CLI.
package main

import "sentinel/cmd"

func main() {
	cmd.Execute()
}
