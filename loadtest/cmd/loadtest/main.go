// Package main is the entry point for the chat room load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test, idle connections spread over rooms
//   - room:     Room fan-out test, every participant posts and reads messages
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
	case "room":
		runRoom(os.Args[2:])
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
	fmt.Println("  saturate    Connection saturation test: opens N idle connections across rooms")
	fmt.Println("  room        Room fan-out test: participants post, receive, and read messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// roomURL returns the WebSocket URL of room n under base.
func roomURL(base string, prefix string, n int) string {
	return fmt.Sprintf("%s/%s-%d", base, prefix, n)
}
