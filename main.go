// Command turnd runs a STUN and TURN relay server.
package main

import "github.com/turnrelay/turnd/internal/cli"

func main() {
	cli.Execute()
}
