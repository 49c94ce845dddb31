package main

import "github.com/surething-project/SmartSpace-sub004/cmd/kagent/cmd"

func main() {
	cmd.Execute()
}
