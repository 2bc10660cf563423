package main

import "github.com/drgolem/audiosink/cmd"

func main() {
	cmd.Execute()
}
