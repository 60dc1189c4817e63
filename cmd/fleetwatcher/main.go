package main

import (
	"fleet-tracking/internal/cli"
)

func main() {
	cli.Execute()
}
