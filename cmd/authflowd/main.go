package main

import "github.com/MrEthical07/authflow/cmd/authflowd/cmd"

func main() {
	cmd.Execute()
}
