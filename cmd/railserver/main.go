package main

import "github.com/resonance-rail/railserver/cmd/railserver/commands"

func main() {
	commands.Execute()
}
