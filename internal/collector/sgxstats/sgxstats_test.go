package sgxstats_test

import (
	"testing"

	"github.com/octoreflex/sgxbench/internal/collector/sgxstats"
)

// gramineStderr is the shape Gramine prints on enclave teardown when
// sgx.enable_stats is on, surrounded by ordinary benchmark noise.
const gramineStderr = `some benchmark output line
----- SGX stats for thread 12345 -----
# of EENTERs:        181902
# of EEXITs:         181901
# of AEXs:           62
# of sync signals:   3
# of async signals:  0
trailing line
`

func TestParse_ExtractsCounterBlock(t *testing.T) {
	c, found := sgxstats.Parse([]byte(gramineStderr))
	if !found {
		t.Fatal("expected the counter block to be found")
	}
	if c.EENTERs != 181902 || c.EEXITs != 181901 || c.AEXs != 62 {
		t.Errorf("EENTERs/EEXITs/AEXs = %d/%d/%d, want 181902/181901/62", c.EENTERs, c.EEXITs, c.AEXs)
	}
	if c.SyncSignal != 3 || c.AsyncSignal != 0 {
		t.Errorf("sync/async signals = %d/%d, want 3/0", c.SyncSignal, c.AsyncSignal)
	}
}

func TestParse_NativeStderrHasNoBlock(t *testing.T) {
	if _, found := sgxstats.Parse([]byte("1000+0 records in\n1000+0 records out\n")); found {
		t.Error("expected no counter block in plain benchmark stderr")
	}
	if _, found := sgxstats.Parse(nil); found {
		t.Error("expected no counter block in empty stderr")
	}
}

func TestRows_RendersFixedKeySet(t *testing.T) {
	c, _ := sgxstats.Parse([]byte(gramineStderr))
	rows := c.Rows()
	want := map[string]string{
		"sgx.eenters":       "181902",
		"sgx.eexits":        "181901",
		"sgx.aexs":          "62",
		"sgx.sync_signals":  "3",
		"sgx.async_signals": "0",
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d: %v", len(want), len(rows), rows)
	}
	for _, r := range rows {
		if want[r[0]] != r[1] {
			t.Errorf("row %s = %s, want %s", r[0], r[1], want[r[0]])
		}
	}
}
