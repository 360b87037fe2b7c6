package main

import (
	"go-civitai-crawler/cmd/civitai-crawler/cmd"
)

func main() {
	cmd.Execute()
}
