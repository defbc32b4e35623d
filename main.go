package main

import "github.com/example/tryon-gateway/cmd"

func main() {
	cmd.Execute()
}
