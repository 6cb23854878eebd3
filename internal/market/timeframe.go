package market

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Timeframe 描述订阅使用的 K 线周期。
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute},
	"3m":  {Key: "3m", Duration: 3 * time.Minute},
	"5m":  {Key: "5m", Duration: 5 * time.Minute},
	"15m": {Key: "15m", Duration: 15 * time.Minute},
	"30m": {Key: "30m", Duration: 30 * time.Minute},
	"1h":  {Key: "1h", Duration: time.Hour},
	"2h":  {Key: "2h", Duration: 2 * time.Hour},
	"4h":  {Key: "4h", Duration: 4 * time.Hour},
	"6h":  {Key: "6h", Duration: 6 * time.Hour},
	"12h": {Key: "12h", Duration: 12 * time.Hour},
	"1d":  {Key: "1d", Duration: 24 * time.Hour},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour},
}

// ParseTimeframe returns the canonical timeframe for input ("1M" and "1m"
// are the same key; months are not supported).
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %q", input)
	}
	return tf, nil
}

// SupportedTimeframes 返回所有支持的 key（按时长排序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return supportedTimeframes[keys[i]].Duration < supportedTimeframes[keys[j]].Duration
	})
	return keys
}

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input. Unlike ParseTimeframe it accepts any
// positive multiple.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// AlignDown 把 t 向下对齐到周期网格（UTC，以 epoch 为起点）。
func (tf Timeframe) AlignDown(t time.Time) time.Time {
	if tf.Duration <= 0 {
		return t.UTC()
	}
	step := tf.Duration.Milliseconds()
	ms := t.UTC().UnixMilli()
	rem := ms % step
	if rem < 0 {
		rem += step
	}
	return time.UnixMilli(ms - rem).UTC()
}

// Next 返回下一根 K 线的开盘时间。
func (tf Timeframe) Next(t time.Time) time.Time {
	return tf.AlignDown(t).Add(tf.Duration)
}

// Closed 判断开盘于 open 的 K 线在 now 时是否已收盘。
func (tf Timeframe) Closed(open, now time.Time) bool {
	return !open.Add(tf.Duration).After(now)
}

// ExpectedCandles 计算 [start, end] 区间应存在的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end time.Time) int64 {
	if end.Before(start) || tf.Duration <= 0 {
		return 0
	}
	return int64(tf.AlignDown(end).Sub(tf.AlignDown(start))/tf.Duration) + 1
}
