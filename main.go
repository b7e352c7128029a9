package main

import "github.com/CefBoud/monpost/cmd"

func main() {
	cmd.Execute()
}
