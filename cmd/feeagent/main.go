package main

import "btc-fee-agent/internal/cli"

func main() {
	cli.Execute()
}
