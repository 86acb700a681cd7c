package main

import "github.com/iamveene/tsushin/cmd"

func main() {
	cmd.Execute()
}
