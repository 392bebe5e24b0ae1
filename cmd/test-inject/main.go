// Command test-inject is a manual test for transcript output.
// It waits 3 seconds, then writes, types or pastes test text.
// Focus a text editor before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-inject [--method stdout|type|paste]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/voicepipe/internal/inject"
)

func main() {
	method := flag.String("method", "type", "output method: stdout, type or paste")
	flag.Parse()

	text := "Hello from voicepipe!"

	inj, err := inject.New(*method, os.Stdout)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Will inject %q using %q method in 3 seconds...\n", text, *method)
	fmt.Println("Focus a text editor now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	if err := inj.Inject(text); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
