package main

import "github.com/rudransh-shrivastava/peer-relay/internal/cmd"

func main() {
	cmd.Execute()
}
