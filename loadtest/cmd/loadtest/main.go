// Command loadtest drives an emochat server with simulated participants.
//
//   - saturate: open N idle connections and hold them
//   - chat:     pairs join an emotion, exchange messages and leave
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
	case "chat":
		runChat(os.Args[2:])
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
	fmt.Println("  saturate    Open N idle connections and hold them")
	fmt.Println("  chat        Match pairs by emotion, exchange messages, leave")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
