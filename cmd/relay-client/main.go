package main

import "github.com/weiawesome/wes-io-live-relay/internal/cli"

func main() {
	cli.Execute()
}
