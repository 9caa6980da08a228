package main

import "github.com/andresmejia3/deepcheck/cmd"

func main() {
	cmd.Execute()
}
