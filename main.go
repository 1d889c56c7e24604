package main

import "github.com/razelbuild/razel/cmd"

func main() {
	cmd.Execute()
}
