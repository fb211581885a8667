package main

import "mp3converter/cmd"

func main() {
	cmd.Execute()
}
