package main

import "github.com/apathy-ca/sark-sub006/cmd/sark/cmd"

func main() {
	cmd.Execute()
}
