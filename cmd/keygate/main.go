package main

import "github.com/jmcleod/keygate/cmd/keygate/cmd"

func main() {
	cmd.Execute()
}
