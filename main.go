package main

import (
	"os"

	"github.com/kidoz/esxi-patcher-go/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
