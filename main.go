package main

import (
	"github.com/p3tap/p3tap/cmd"
)

func main() {
	cmd.Execute()
}
