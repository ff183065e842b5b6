package main

import "github.com/reveriebot/reverie/cmd"

func main() {
	cmd.Execute()
}
