package main

import "tracekit/cmd"

func main() {
	cmd.Execute()
}
