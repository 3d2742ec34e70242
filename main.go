package main

import "videoAnalyzer/cli"

func main() {
	cli.Execute()
}
