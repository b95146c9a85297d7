package main

import "vrf-raffle/internal/cli"

func main() {
	cli.Execute()
}
