package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsStream   int64
	errorsPoll     int64
	warnsStream    int64
	warnsPoll      int64
	streamFrames   int64
	pollFetches    int64
	chainFetches   int64
	notifySends    int64
	snapshotWrites int64
	historyRows    int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "poll") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&warnsPoll, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "poll") || strings.Contains(component, "fetch") {
		atomic.AddInt64(&errorsPoll, 1)
	}
}

// IncrementStreamFrame records one accepted websocket frame of the given size.
func IncrementStreamFrame(size int) {
	atomic.AddInt64(&streamFrames, 1)
	recordChannel("stream_ws", size)
}

// IncrementPollFetch records one completed REST quote fetch cycle.
func IncrementPollFetch(size int) {
	atomic.AddInt64(&pollFetches, 1)
	recordChannel("quote_rest", size)
}

// IncrementChainFetch records one completed option chain fetch.
func IncrementChainFetch(size int) {
	atomic.AddInt64(&chainFetches, 1)
	recordChannel("chain_rest", size)
}

// IncrementNotifySend records one delivered notification message.
func IncrementNotifySend(size int) {
	atomic.AddInt64(&notifySends, 1)
	recordChannel("notify", size)
}

// IncrementSnapshotWrite records one raw payload snapshot written to disk.
func IncrementSnapshotWrite(size int64) {
	atomic.AddInt64(&snapshotWrites, 1)
	recordChannel("snapshot_write", int(size))
}

// IncrementHistoryRows records normalized rows appended to the parquet archive.
func IncrementHistoryRows(n int) {
	atomic.AddInt64(&historyRows, int64(n))
}

// RecordChannelMessage tracks a handoff channel send for the periodic report.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_stream":   atomic.LoadInt64(&errorsStream),
		"errors_poll":     atomic.LoadInt64(&errorsPoll),
		"warns_stream":    atomic.LoadInt64(&warnsStream),
		"warns_poll":      atomic.LoadInt64(&warnsPoll),
		"stream_frames":   atomic.LoadInt64(&streamFrames),
		"poll_fetches":    atomic.LoadInt64(&pollFetches),
		"chain_fetches":   atomic.LoadInt64(&chainFetches),
		"notify_sends":    atomic.LoadInt64(&notifySends),
		"snapshot_writes": atomic.LoadInt64(&snapshotWrites),
		"history_rows":    atomic.LoadInt64(&historyRows),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(mem.HeapAlloc) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("StreamFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamFrames)))},
		{MetricName: aws.String("PollFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pollFetches)))},
		{MetricName: aws.String("ChainFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&chainFetches)))},
		{MetricName: aws.String("NotifySends"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&notifySends)))},
		{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStream)))},
		{MetricName: aws.String("ErrorsPoll"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsPoll)))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
