package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/proofcaptcha/proofcaptcha/pkg/keys"
)

var countFlag = flag.Int("n", 1, "Number of credential pairs to mint")

func main() {
	flag.Parse()

	for i := 0; i < *countFlag; i++ {
		sitekey, secretkey, err := keys.GenerateKeyPair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key pair: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("sitekey=%s secretkey=%s\n", sitekey, secretkey)
	}
}
