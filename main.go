package main

import "listing-alerts/internal/cli"

func main() {
	cli.Execute()
}
