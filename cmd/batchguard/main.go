package main

import "supply-integrity/internal/cli"

func main() {
	cli.Execute()
}
