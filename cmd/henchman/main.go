// henchman sends messages to queues and exchanges and runs tap workers that
// print what they consume.
//
// Usage:
//
//	henchman [--url URL] <command> [flags]
//
// Commands:
//
//	enqueue   Send a JSON message to a queue
//	publish   Broadcast a JSON message on a fanout exchange
//	route     Send a JSON message along a route such as "a,b:publish"
//	work      Consume queues or exchanges and print each message
package main

import (
	"fmt"
	"os"
)

// version is set through ldflags at build time
var version = "dev"

func main() {
	if err := newRootCmd(&app{out: os.Stdout, errOut: os.Stderr}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
