package main

import "github.com/routelab/switchd/cmd"

func main() {
	cmd.Execute()
}
