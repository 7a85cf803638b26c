package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

func main() {
	out := flag.String("out", "", "Write the key pair as JSON to this file")
	flag.Parse()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}

	if *out != "" {
		if err := kp.Save(*out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save key pair: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Public key (base64):  %s\n", kp.Pub)
	fmt.Printf("Private key (base64): %s\n", kp.Priv)
}
