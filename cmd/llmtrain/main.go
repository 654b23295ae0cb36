package main

import "github.com/joshcarp/llmtrain/internal/cli"

func main() {
	cli.InitializeCommand()
}
