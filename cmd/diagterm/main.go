package main

import "github.com/Pupariaa/DiagTerm/cmd/diagterm/cmd"

func main() {
	cmd.Execute()
}
