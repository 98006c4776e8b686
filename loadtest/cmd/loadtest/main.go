// Package main is the entry point for the dm-chat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: opens N idle authenticated connections
//   - presence: measures how fast user:online reaches watching peers
//   - message:  measures send-to-newMessage delivery and read receipts
//
// Every scenario needs the server's JWT_SECRET to mint credentials and the
// ids of accounts that already exist in the user store.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "presence":
		runPresence(os.Args[2:])
	case "message":
		runMessage(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens N idle connections")
	fmt.Println("  presence    Presence fan-out test, times user:online at watching peers")
	fmt.Println("  message     Delivery test, times newMessage and messagesSeen round trips")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
