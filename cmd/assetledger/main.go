package main

import "github.com/jmcleod/assetledger/cmd/assetledger/cmd"

func main() {
	cmd.Execute()
}
