// Command ralph runs user stories through a step-based Claude workflow.
package main

import "github.com/cybergrind/dynamic-ralph/internal/cli"

func main() {
	cli.Execute()
}
