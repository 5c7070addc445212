// Command leanflow runs the LeanFlow workflow service and administers its
// database.
//
// Usage:
//
//	leanflow serve [--config leanflow.yaml]
//	leanflow migrate up|down|status
//	leanflow definition publish <file> --operator <user>
//	leanflow definition get <code> [--versions]
//	leanflow instance get <instance_id>
//	leanflow instance list [--status Running] [--definition <code>]
//	leanflow instance terminate <instance_id> --operator <user> [--reason <text>]
//	leanflow task list [--assignee <user>] [--instance <instance_id>]
//	leanflow task complete <task_id> --operator <user> [--vars '{"approved":true}']
//	leanflow mcp [--http :8090]
//
// Every setting can also be given as LEANFLOW_* environment variables,
// e.g. LEANFLOW_DATABASE_URL.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
