//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// anylinkBinary builds the anylink binary once and returns its path.
func anylinkBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			// Try current dir if we're running from root.
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "anylink")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/anylink")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build anylink: %v", buildErr)
	}
	return builtBinary
}

// anylinkProcess is a running anylink process with stdout and stderr
// captured line by line.
type anylinkProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer // stderr
	output *logBuffer // stdout
}

// logBuffer is a thread-safe buffer that captures output and supports
// waiting for specific lines.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// startAnylink starts a long-running anylink command. The process is killed
// on test cleanup.
func startAnylink(t *testing.T, env []string, args ...string) *anylinkProcess {
	t.Helper()
	cmd := exec.Command(anylinkBinary(t), args...)
	cmd.Env = append(cleanEnv(), env...)

	proc := &anylinkProcess{cmd: cmd, logs: &logBuffer{}, output: &logBuffer{}}
	cmd.Stderr = proc.logs // anylink logs to stderr
	cmd.Stdout = proc.output

	if err := cmd.Start(); err != nil {
		t.Fatalf("start anylink %v: %v", args, err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	})
	return proc
}

// runAnylink runs a one-shot anylink command and returns stdout and stderr.
func runAnylink(t *testing.T, timeout time.Duration, env []string, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, anylinkBinary(t), args...)
	cmd.Env = append(cleanEnv(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// cleanEnv is the test environment without anylink settings, so a
// developer's own configuration does not leak into the processes.
func cleanEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, "ANYLINK_") {
			env = append(env, kv)
		}
	}
	return env
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *anylinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log %q; logs:\n%s", substr, proc.logs.String())
	}
	return line
}

// waitForOutput waits for a stdout line containing the given substring.
func waitForOutput(t *testing.T, proc *anylinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.output.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for output %q; logs:\n%s", substr, proc.logs.String())
	}
	return line
}

// addrRe extracts addr=host:port from log lines.
var addrRe = regexp.MustCompile(`addr=([^\s]+)`)

// waitForLogAddr waits for a log line and extracts the addr= value.
func waitForLogAddr(t *testing.T, proc *anylinkProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no addr= in log line: %s", line)
	}
	return m[1]
}

// assertNoUsageDump checks that stderr doesn't contain cobra usage output.
func assertNoUsageDump(t *testing.T, output string) {
	t.Helper()
	if strings.Contains(output, "Usage:") && strings.Contains(output, "Flags:") {
		t.Error("stderr contains cobra usage dump; expected clean error only")
	}
}

// scrapeMetrics fetches the Prometheus metrics text from the given address.
func scrapeMetrics(t *testing.T, addr string) string {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics from %s: %v", addr, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

// assertMetricGE checks that the sum of all samples for a metric name is >= want.
func assertMetricGE(t *testing.T, metricsText, metricName string, want float64) {
	t.Helper()
	total := sumMetric(metricsText, metricName)
	if total < want {
		t.Errorf("%s = %v, want >= %v", metricName, total, want)
	}
}

// sumMetric sums all sample values for lines matching the metric name.
func sumMetric(text, name string) float64 {
	var total float64
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, name+"{") || strings.HasPrefix(line, name+" ") {
			parts := strings.Fields(line)
			if v, err := strconv.ParseFloat(parts[len(parts)-1], 64); err == nil {
				total += v
			}
		}
	}
	return total
}
