package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func gtimgLine(set map[int]string) string {
	f := make([]string, 40)
	for i := range f {
		f[i] = "0"
	}
	for i, v := range set {
		f[i] = v
	}
	return fmt.Sprintf(`v_sh600519="%s";`, strings.Join(f, "~"))
}

func TestParseGtimgLine(t *testing.T) {
	line := gtimgLine(map[int]string{
		1:  "贵州茅台",
		3:  "1710.00",
		5:  "1700.00",
		6:  "2500", // lots
		30: "20260213150005",
		33: "1720.00",
		34: "1690.00",
	})

	rec, err := parseGtimgLine("600519", line)
	if err != nil {
		t.Fatalf("parseGtimgLine: %v", err)
	}
	if rec.Close != 1710.0 || rec.Name != "贵州茅台" {
		t.Errorf("got %+v", rec)
	}
	if rec.Date != "2026-02-13" {
		t.Errorf("date = %q", rec.Date)
	}
	if rec.Volume == nil || *rec.Volume != 250000 {
		t.Errorf("volume = %v, want lots*100", rec.Volume)
	}
}

func TestParseGtimgLineNoData(t *testing.T) {
	tests := []string{
		`v_sh600519="";`,
		gtimgLine(map[int]string{3: "0"}), // suspended, last price zero
	}
	for _, line := range tests {
		if _, err := parseGtimgLine("600519", line); !errors.Is(err, ErrNoData) {
			t.Errorf("expected ErrNoData for %q, got %v", line, err)
		}
	}
}

func TestTencentHistoryUnsupported(t *testing.T) {
	tc := NewTencent(TencentConfig{})
	_, err := tc.FetchHistory(context.Background(), "600519", "2026-02-13")
	var se *SourceError
	if !errors.As(err, &se) || se.Type != ErrTypeUnsupported {
		t.Errorf("expected unsupported SourceError, got %v", err)
	}
}
