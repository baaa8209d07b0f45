package main

import (
	"github.com/xkilldash9x/steersman/cmd"
)

func main() {
	cmd.Execute()
}
