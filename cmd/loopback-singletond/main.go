// Command loopback-singletond is the daemon entrypoint binary: the argv a
// Config.DaemonCommand points at. Run directly it prints CLI help; spawned
// by the coordinator (with "serve" as argv[1]) it hosts the registered
// singleton object.
package main

import (
	"github.com/TovarnovM/loopback-singleton/internal/cli"
	_ "github.com/TovarnovM/loopback-singleton/internal/examples" // registers demo factories
)

func main() {
	cli.Execute()
}
