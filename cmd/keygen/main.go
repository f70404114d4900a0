// Command keygen prints a fresh encryption key. Generate one key per
// deployment and give the same key to both sides via configuration.
package main

import (
	"fmt"
	"os"

	"github.com/adero/go-messaging/codec"
)

func main() {
	key, err := codec.GenerateKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Println(key)
}
