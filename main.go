package main

import "github.com/javanhut/settingsync/cli"

func main() {
	cli.Execute()
}
