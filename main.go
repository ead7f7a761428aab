package main

import "github.com/justenwalker/proxytunnel/cmd"

func main() {
	cmd.Execute()
}
