package main

import "github.com/samsaffron/chatty/cmd"

func main() {
	cmd.Execute()
}
