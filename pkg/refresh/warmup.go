package refresh

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dnsrelay/pkg/cache"
	"dnsrelay/pkg/metrics"

	"github.com/miekg/dns"
)

// WarmupItem is one valid line parsed from the warmup file: a qname/qtype
// pair (class is always IN).
type WarmupItem struct {
	Key cache.Key
}

// LoadWarmupFile parses a plain-text warmup file: "# ..." comments and
// blank lines are ignored, each remaining line is "qname qtype" with qtype
// either a mnemonic (A, AAAA, MX, ...) or a numeric DNS type code; anything
// else is an invalid line. Returns the valid items (capped at limit) and
// the count of invalid lines seen.
func LoadWarmupFile(path string, limit int) (items []WarmupItem, invalidLines int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("refresh: open warmup file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			invalidLines++
			continue
		}

		qtype, ok := parseQtype(fields[1])
		if !ok {
			invalidLines++
			continue
		}

		if limit > 0 && len(items) >= limit {
			continue
		}
		items = append(items, WarmupItem{Key: cache.NewKey(fields[0], qtype, dns.ClassINET)})
	}
	if err := scanner.Err(); err != nil {
		return nil, invalidLines, fmt.Errorf("refresh: read warmup file %s: %w", path, err)
	}

	return items, invalidLines, nil
}

func parseQtype(s string) (uint16, bool) {
	if t, ok := dns.StringToType[strings.ToUpper(s)]; ok {
		return t, true
	}
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(n), true
	}
	return 0, false
}

// Warmup enqueues every parsed item with reason warmup via the shared
// EnqueueRefresh primitive (subject to its own duplicate/full accounting),
// and records the attempted count unconditionally.
func (e *Engine) Warmup(items []WarmupItem) {
	if e.metrics != nil {
		e.metrics.Add(metrics.RefreshWarmupLoadedTotal, int64(len(items)))
	}
	for _, it := range items {
		e.EnqueueRefresh(it.Key, ReasonWarmup)
	}
}

// WarmupInvalidLines records the count of malformed warmup lines observed
// during parsing (counted separately from the attempted-items counter above
// since the file may contain both valid and invalid lines).
func (e *Engine) WarmupInvalidLines(n int) {
	if n > 0 && e.metrics != nil {
		e.metrics.Add(metrics.RefreshWarmupInvalidTotal, int64(n))
	}
}
