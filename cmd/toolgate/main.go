// Command toolgate plans agent goals and runs their tool calls under
// tenant policy, budgets and human approval.
package main

import "github.com/ppiankov/toolgate/internal/cli"

func main() {
	cli.Execute()
}
