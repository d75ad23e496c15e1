package main

import "github.com/AzielCF/az-publish/cmd"

func main() {
	cmd.Execute()
}
