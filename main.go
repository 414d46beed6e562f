package main

import "github.com/UrBoiTom/DiscordBot/cmd"

func main() {
	cmd.Execute()
}
