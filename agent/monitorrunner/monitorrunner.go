// Package monitorrunner implements the agent-side half of the service
// monitor scheduler: reconcile the running probe set against the latest
// effective config and execute each probe on its own schedule, using
// robfig/cron/v3 (the same scheduling primitive the reset sweep uses
// server-side) instead of a hand-rolled ticker set.
package monitorrunner

import (
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Emitter is the agent's outbound sink for probe outcomes.
type Emitter interface {
	EmitMonitorResult(result protocol.ServiceMonitorResult)
}

// Runner reconciles a set of ServiceMonitorTask entries to a running cron
// schedule, one entry per monitor id.
type Runner struct {
	agentID int64
	emitter Emitter
	log     *logrus.Entry

	cron    *cron.Cron
	entries map[int64]cron.EntryID
	tasks   map[int64]protocol.ServiceMonitorTask
}

// New constructs a Runner for agentID (the host's own id, carried on every
// emitted result).
func New(agentID int64, emitter Emitter, log *logrus.Entry) *Runner {
	return &Runner{
		agentID: agentID,
		emitter: emitter,
		log:     log,
		cron:    cron.New(),
		entries: make(map[int64]cron.EntryID),
		tasks:   make(map[int64]protocol.ServiceMonitorTask),
	}
}

// Start begins the cron scheduler. Reconcile may be called before or after
// Start.
func (r *Runner) Start() { r.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight probe to finish.
func (r *Runner) Stop() { <-r.cron.Stop().Done() }

// Reconcile brings the running probe set in line with tasks: monitors no
// longer present are canceled, new ones are scheduled, and any monitor
// whose definition changed is rescheduled.
func (r *Runner) Reconcile(tasks []protocol.ServiceMonitorTask) {
	wanted := make(map[int64]protocol.ServiceMonitorTask, len(tasks))
	for _, t := range tasks {
		wanted[t.MonitorID] = t
	}

	for id, entryID := range r.entries {
		if _, ok := wanted[id]; !ok {
			r.cron.Remove(entryID)
			delete(r.entries, id)
			delete(r.tasks, id)
		}
	}

	for id, task := range wanted {
		if existing, ok := r.tasks[id]; ok && existing == task {
			continue // unchanged, leave the running schedule alone
		}
		if entryID, ok := r.entries[id]; ok {
			r.cron.Remove(entryID)
		}

		task := task
		spec := fmt.Sprintf("@every %ds", maxInt(task.FrequencySeconds, 1))
		entryID, err := r.cron.AddFunc(spec, func() { r.probe(task) })
		if err != nil {
			r.log.WithError(err).WithField("monitor_id", id).Error("schedule service monitor")
			continue
		}
		r.entries[id] = entryID
		r.tasks[id] = task
	}
}

func (r *Runner) probe(task protocol.ServiceMonitorTask) {
	timeout := time.Duration(maxInt(task.TimeoutSeconds, 1)) * time.Second
	start := time.Now()

	isUp, details := runProbe(task, timeout)

	r.emitter.EmitMonitorResult(protocol.ServiceMonitorResult{
		MonitorID: task.MonitorID,
		AgentID:   r.agentID,
		IsUp:      isUp,
		LatencyMs: time.Since(start).Milliseconds(),
		Details:   details,
		Time:      time.Now().UnixMilli(),
	})
}

func runProbe(task protocol.ServiceMonitorTask, timeout time.Duration) (bool, string) {
	switch task.Type {
	case "tcp":
		return probeTCP(task.Target, timeout)
	case "http":
		return probeHTTP(task.Target, timeout)
	case "ping":
		return probePing(task.Target, timeout)
	default:
		return false, fmt.Sprintf("unsupported monitor type %q", task.Type)
	}
}

func probeTCP(target string, timeout time.Duration) (bool, string) {
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, ""
}

func probeHTTP(target string, timeout time.Duration) (bool, string) {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(target)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return false, fmt.Sprintf("http status %d", resp.StatusCode)
	}
	return true, ""
}

// probePing shells out to the system ping binary; raw ICMP sockets need
// elevated privileges this agent should not assume it has run with.
func probePing(target string, timeout time.Duration) (bool, string) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		ms := strconv.Itoa(int(timeout.Milliseconds()))
		cmd = exec.Command("ping", "-n", "1", "-w", ms, target)
	} else {
		secs := strconv.Itoa(int(timeout.Seconds()))
		if secs == "0" {
			secs = "1"
		}
		cmd = exec.Command("ping", "-c", "1", "-W", secs, target)
	}

	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, string(out)
	}
	return true, ""
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
