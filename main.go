package main

import "github.com/kashguard/keyguard/cmd"

func main() {
	cmd.Execute()
}
