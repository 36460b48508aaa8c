package main

import "github.com/bryanchriswhite/FrameDoubler/cmd/framedoubler/commands"

func main() {
	commands.Execute()
}
