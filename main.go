package main

import "github.com/copyfat/Option-Loop/internal/cli"

func main() {
	cli.Execute()
}
