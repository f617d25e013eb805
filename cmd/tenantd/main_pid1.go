//go:build !no_psi

package main

import (
	"pkt.systems/psi"
)

// main runs under psi so tenantd can be PID 1 in a container: psi reaps the
// per-tenant child processes and forwards termination signals.
func main() {
	psi.Run(submain)
}
