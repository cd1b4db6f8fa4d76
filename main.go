package main

import "github.com/egsclaim/egsclaim/cmd"

func main() {
	cmd.Execute()
}
