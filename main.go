package main

import (
	"fmt"
	"os"

	"nft-market-back-ledger/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
