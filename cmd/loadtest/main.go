package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hubenschmidt/audio-relay/internal/audio"
	"github.com/hubenschmidt/audio-relay/internal/protocol"
	"github.com/hubenschmidt/audio-relay/internal/transport"
)

const sampleRate = 16000

func main() {
	endpoint := flag.String("endpoint", "http://localhost:3000", "relay endpoint")
	concurrency := flag.Int("concurrency", 10, "number of concurrent sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	audioDir := flag.String("audio-dir", "", "directory with .wav samples (synthetic tones if empty)")
	unitLength := flag.Duration("unit-length", 2*time.Second, "synthetic unit duration")
	timeout := flag.Duration("timeout", 10*time.Second, "per-unit echo timeout")
	flag.Parse()

	units := loadUnits(*audioDir, *unitLength)

	fmt.Printf("Load test: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Printf("Endpoint: %s | Units: %d\n\n", *endpoint, len(units))

	var mu sync.Mutex
	var results []unitResult
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs := runSession(*endpoint, units, deadline, *timeout)
			mu.Lock()
			results = append(results, rs...)
			mu.Unlock()
		}()
	}

	wg.Wait()
	printSummary(results)
}

type unitResult struct {
	success bool
	bytes   int
	audio   time.Duration
	rttMs   float64
	err     string
}

var errMismatch = errors.New("echo differs from sent unit")

// runSession opens one session and sends units back to back until deadline,
// checking every echo is byte-identical to what was sent.
func runSession(endpoint string, units []protocol.AudioUnit, deadline time.Time, timeout time.Duration) []unitResult {
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(timeout))
	defer cancel()

	sess, err := transport.Dial(ctx, endpoint, transport.DialOptions{})
	if err != nil {
		return []unitResult{{err: fmt.Sprintf("dial: %v", err)}}
	}
	defer sess.Close()

	echoes := make(chan protocol.Event, 1)
	sess.On(protocol.EventAudioResponse, offer(echoes))
	sess.On(protocol.EventError, offer(echoes))
	go sess.Run(ctx)

	var results []unitResult
	for time.Now().Before(deadline) {
		unit := units[rand.Intn(len(units))]
		results = append(results, sendOne(sess, echoes, unit, timeout))
		if !results[len(results)-1].success {
			break
		}
	}
	return results
}

// offer hands events to ch without blocking. A late echo after a timeout is
// dropped so the session keeps dispatching.
func offer(ch chan<- protocol.Event) transport.Handler {
	return func(ev protocol.Event) {
		select {
		case ch <- ev:
		default:
		}
	}
}

func sendOne(sess *transport.Session, echoes <-chan protocol.Event, unit protocol.AudioUnit, timeout time.Duration) unitResult {
	start := time.Now()
	if err := sess.Send(protocol.AudioStream(unit)); err != nil {
		return unitResult{err: fmt.Sprintf("send: %v", err)}
	}
	select {
	case ev := <-echoes:
		if ev.Name == protocol.EventError {
			return unitResult{err: "relay error: " + ev.Message}
		}
		if ev.Unit == nil || !bytes.Equal(ev.Unit.Data(), unit.Data()) {
			return unitResult{err: errMismatch.Error()}
		}
		return unitResult{
			success: true,
			bytes:   unit.Size(),
			audio:   audio.WAVDuration(unit.Data()),
			rttMs:   float64(time.Since(start).Microseconds()) / 1000,
		}
	case <-sess.Done():
		return unitResult{err: "session closed"}
	case <-time.After(timeout):
		return unitResult{err: "echo timeout"}
	}
}

func loadUnits(dir string, length time.Duration) []protocol.AudioUnit {
	var units []protocol.AudioUnit
	for _, f := range findAudioFiles(dir) {
		data, err := os.ReadFile(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", f, err)
			continue
		}
		if _, _, err := audio.WAVToSamples(data); err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", f, err)
			continue
		}
		units = append(units, protocol.NewAudioUnit(data, audio.MIMEWAV, time.Now()))
	}
	if len(units) > 0 {
		return units
	}
	for _, freq := range []float64{220, 440, 880} {
		wav := audio.SamplesToWAV(audio.Tone(freq, length, sampleRate), sampleRate)
		units = append(units, protocol.NewAudioUnit(wav, audio.MIMEWAV, time.Now()))
	}
	return units
}

func findAudioFiles(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "no audio files in %s, generating synthetic audio\n", dir)
		return nil
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == audio.Extension(audio.MIMEWAV) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func printSummary(results []unitResult) {
	var succeeded, failed, totalBytes int
	var totalAudio time.Duration
	var rtts []float64
	errCounts := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errCounts[r.err]++
			continue
		}
		succeeded++
		totalBytes += r.bytes
		totalAudio += r.audio
		rtts = append(rtts, r.rttMs)
	}

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Units echoed: %d (%d bytes, %s of audio)\n", succeeded, totalBytes, totalAudio.Round(time.Millisecond))
	fmt.Printf("Units failed: %d\n", failed)
	for msg, n := range errCounts {
		fmt.Printf("  %4d  %s\n", n, msg)
	}

	if len(rtts) == 0 {
		fmt.Println("No successful echoes to report latency")
		return
	}

	fmt.Printf("\n%-6s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-6s %8.1fms %8.1fms %8.1fms\n", "RTT", percentile(rtts, 50), percentile(rtts, 95), percentile(rtts, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
