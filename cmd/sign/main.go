package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/eldtechnologies/roomrelay/internal/api/middleware"
	"github.com/eldtechnologies/roomrelay/internal/crypto"
)

func main() {
	keyFile := flag.String("keys", "", "Key pair JSON file written by genkey")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	empty := flag.Bool("empty", false, "Sign an empty body (GET requests)")
	flag.Parse()

	if *keyFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -keys <keypair.json> [-body <file> | -empty]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if neither -body nor -empty is given")
		os.Exit(1)
	}

	kp, err := crypto.LoadKeyPair(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid key pair: %v\n", err)
		os.Exit(1)
	}

	// Read body
	var body []byte
	switch {
	case *empty:
	case *bodyFile != "":
		body, err = os.ReadFile(*bodyFile)
	default:
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	req, _ := http.NewRequest(http.MethodPost, "/", nil)
	if err := middleware.SignRequest(req, body, kp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign: %v\n", err)
		os.Exit(1)
	}

	// Output headers
	for _, h := range []string{middleware.HeaderKey, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature} {
		fmt.Printf("%s: %s\n", h, req.Header.Get(h))
	}
}
