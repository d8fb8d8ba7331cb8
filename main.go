package main

import "downloadgrid/cmd"

func main() {
	cmd.Execute()
}
