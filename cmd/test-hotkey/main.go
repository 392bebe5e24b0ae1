// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press Ctrl+Shift+R to see events and Esc to cancel.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode hold|toggle]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/voicepipe/internal/hotkey"
)

func main() {
	mode := flag.String("mode", "hold", "hotkey mode: hold or toggle")
	flag.Parse()

	keys := []string{"ctrl", "shift", "r"}
	fmt.Printf("Listening for Ctrl+Shift+R in %q mode (Esc cancels)...\n", *mode)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys, []string{"esc"}, *mode)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			switch ev.Type {
			case hotkey.EventRecord:
				fmt.Println(">>> RECORD")
			case hotkey.EventFinish:
				fmt.Println("<<< FINISH")
			case hotkey.EventCancel:
				fmt.Println("xxx CANCEL")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
