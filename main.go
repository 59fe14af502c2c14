package main

import "convarchive/cmd"

func main() {
	cmd.Execute()
}
