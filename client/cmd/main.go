package main

import (
	"fmt"
	"os"

	"github.com/shard-txn-router/client"
	flag "github.com/spf13/pflag"
)

const (
	DefaultServerAddress = "localhost:11000"
)

// Command line parameters
var (
	serverAddress string
)

func init() {
	flag.StringVarP(&serverAddress, "endpoint", "e", DefaultServerAddress, "Set the router HTTP address")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	c := client.NewShardTxnClient(serverAddress)
	if err := c.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
