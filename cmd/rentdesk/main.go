// Command rentdesk runs the booking lifecycle desk.
package main

import "github.com/buildtall-systems/rentdesk/internal/cli"

func main() {
	cli.Execute()
}
