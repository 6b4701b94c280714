package main

import "github.com/hearthfed/hearth/cmd/hearth/cmd"

func main() {
	cmd.Execute()
}
