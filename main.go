package main

import "github.com/kebairia/dbrun/cmd"

func main() {
	cmd.Execute()
}
