package main

import "github.com/stakeforge/blockchain/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
