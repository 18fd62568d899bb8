package main

import (
	"github.com/Noma-Machiko/image-chooser-classic/cmd"
)

func main() {
	cmd.Execute()
}
