package main

import "github.com/cocoguard/apiserver/cmd"

func main() {
	cmd.Execute()
}
