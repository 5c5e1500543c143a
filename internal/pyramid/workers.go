package pyramid

import (
	"log"
	"runtime"
)

// maxDefaultWorkers caps the default worker count even on machines with
// many cores, per spec §5.
const maxDefaultWorkers = 8

// DefaultWorkerCount returns min(runtime.NumCPU(), 8), clamped to at least
// 1. Logs the decision when verbose is true.
func DefaultWorkerCount(verbose bool) int {
	n := runtime.NumCPU()
	if verbose {
		log.Printf("Detected %d CPUs", n)
	}
	if n > maxDefaultWorkers {
		if verbose {
			log.Printf("Capping worker count at %d (detected %d CPUs)", maxDefaultWorkers, n)
		}
		n = maxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}
