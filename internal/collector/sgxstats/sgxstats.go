// Package sgxstats parses the counter block Gramine prints to stderr
// when the enclave manifest enables sgx.enable_stats and
// sgx.profile.mode = "ocall_outer". It does not own a
// file descriptor or goroutine of its own — the coordinator already
// captures the target's stderr to the iteration directory's stderr
// file, so this package is invoked post-run against that file's
// contents.
package sgxstats

import (
	"fmt"
	"regexp"
	"strconv"
)

// Counters holds the parsed Gramine counter block.
type Counters struct {
	EENTERs    uint64
	EEXITs     uint64
	AEXs       uint64
	SyncSignal  uint64
	AsyncSignal uint64
}

var linePatterns = map[string]*regexp.Regexp{
	"eenters":      regexp.MustCompile(`#\s*of\s+EENTERs\s*:\s*(\d+)`),
	"eexits":       regexp.MustCompile(`#\s*of\s+EEXITs\s*:\s*(\d+)`),
	"aexs":         regexp.MustCompile(`#\s*of\s+AEXs\s*:\s*(\d+)`),
	"sync_signal":  regexp.MustCompile(`#\s*of\s+sync\s+signals\s*:\s*(\d+)`),
	"async_signal": regexp.MustCompile(`#\s*of\s+async\s+signals\s*:\s*(\d+)`),
}

// Parse scans stderr for the five-line counter block. Returns
// (nil, false) if no recognizable block is present, which is the
// expected outcome for a native (non-SGX) run.
func Parse(stderr []byte) (*Counters, bool) {
	var c Counters
	found := false
	for name, pat := range linePatterns {
		m := pat.FindSubmatch(stderr)
		if m == nil {
			continue
		}
		found = true
		v, err := strconv.ParseUint(string(m[1]), 10, 64)
		if err != nil {
			continue
		}
		switch name {
		case "eenters":
			c.EENTERs = v
		case "eexits":
			c.EEXITs = v
		case "aexs":
			c.AEXs = v
		case "sync_signal":
			c.SyncSignal = v
		case "async_signal":
			c.AsyncSignal = v
		}
	}
	if !found {
		return nil, false
	}
	return &c, true
}

// Rows renders the counter block as io.csv key/value rows, merged
// into the tracer's own rows by the orchestrator.
func (c *Counters) Rows() [][]string {
	return [][]string{
		{"sgx.eenters", fmt.Sprint(c.EENTERs)},
		{"sgx.eexits", fmt.Sprint(c.EEXITs)},
		{"sgx.aexs", fmt.Sprint(c.AEXs)},
		{"sgx.sync_signals", fmt.Sprint(c.SyncSignal)},
		{"sgx.async_signals", fmt.Sprint(c.AsyncSignal)},
	}
}
