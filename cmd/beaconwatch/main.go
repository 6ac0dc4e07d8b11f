package main

import "beaconwatch/internal/cli"

func main() {
	cli.Execute()
}
