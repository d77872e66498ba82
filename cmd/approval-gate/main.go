// Command approval-gate decides whether an agent action may run without a
// human in the loop.
package main

import "github.com/akaszubski/autonomous-dev-sub006/cmd/approval-gate/cmd"

func main() {
	cmd.Execute()
}
