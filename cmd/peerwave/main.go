// Package main starts a peerwave call participant.
package main

import (
	"flag"
	"fmt"
	"os"
)

// main is the entrypoint for the participant agent.
func main() {
	room := flag.String("room", "", "Room to join (overrides ROOM_ID)")
	name := flag.String("name", "", "Participant name (overrides PARTICIPANT_ID)")
	diagAddr := flag.String("diag", "127.0.0.1:8687", "Local diagnostics listen address")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	if err := run(*room, *name, *diagAddr, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
