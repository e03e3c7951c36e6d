package main

import "github.com/relayhq/copilot-gateway/cmd"

func main() {
	cmd.Execute()
}
