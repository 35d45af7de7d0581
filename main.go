package main

import "github.com/pgtrack/pgtrack/cmd"

func main() {
	cmd.Execute()
}
