package main

import "voicerooms/cmd"

func main() {
	cmd.Execute()
}
