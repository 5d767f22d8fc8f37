package main

import "github.com/switchyardhq/switchyard/cmd"

func main() {
	cmd.Execute()
}
