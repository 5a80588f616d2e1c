package main

import "github.com/arcward/keabot/cmd"

func main() {
	cmd.Execute()
}
