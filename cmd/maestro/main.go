package main

import "github.com/vietddude/maestro/internal/cli"

func main() {
	cli.Execute()
}
