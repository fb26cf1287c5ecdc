package main

import "github.com/javanhut/Ivaldi-graph/cli"

func main() {
	cli.Execute()
}
