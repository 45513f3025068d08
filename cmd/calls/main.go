package main

import "github.com/aymnn34/calls/internal/cmd"

func main() {
	cmd.Execute()
}
