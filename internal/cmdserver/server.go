// Package cmdserver — server.go
//
// Unix domain socket command surface (spec §6, SPEC_FULL.md §13).
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: configurable, created at mode 0600.
//
// Commands (JSON request -> JSON response):
//
//   {"cmd":"config_update","owner":1000,"config_id":7,"body":"<base64 ConfigSpec JSON>"}
//     -> Installs or replaces the config at (owner, config_id).
//     -> Response: {"ok":true}
//
//   {"cmd":"config_remove","owner":1000,"config_id":7}
//     -> Removes one config. Omit owner/config_id to remove every active
//        config.
//     -> Response: {"ok":true,"removed":3}
//
//   {"cmd":"dump_report","owner":1000,"config_id":7,"proto":false}
//     -> Flushes and returns the config's current buckets. proto:true
//        encodes the report with internal/wire instead of JSON.
//     -> Response: {"ok":true,"report":{...}} or {"ok":true,"report_proto":"<base64>"}
//
//   {"cmd":"send_broadcast","owner":1000,"config_id":7}
//     -> Forces the broadcast callback for the config immediately.
//     -> Response: {"ok":true}
//
//   {"cmd":"print_uid_map","pkg":"com.example.app"}
//     -> Dumps the uid map, optionally filtered to one package name.
//     -> Response: {"ok":true,"uid_map":{...}}
//
//   {"cmd":"print_stats"}
//     -> Response: {"ok":true,"stats":{...}}
//
//   {"cmd":"meminfo"}
//     -> Response: {"ok":true,"meminfo":{...}}
//
//   {"cmd":"write_to_disk"}
//     -> Checkpoints every active config to the persist store.
//     -> Response: {"ok":true,"checkpointed":3}
//
//   {"cmd":"clear_puller_cache"}
//     -> Response: {"ok":true}
//
//   {"cmd":"log_app_breadcrumb","uid":10123,"label":"foreground","state":"1"}
//     -> Response: {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections bounded by a semaphore.
//   - Max request size: 4096 bytes.
//   - Connection timeout: 10s read/write.
//   - A config_update request whose owner (the request's Owner, or the
//     submitted ConfigSpec's Owner when the request names none) differs
//     from CallerOwner is rejected unless the submitted ConfigSpec carries
//     EngBuild. config_remove, dump_report and send_broadcast perform no
//     owner check.
package cmdserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/statsdengine/statsdengine/internal/alarm"
	"github.com/statsdengine/statsdengine/internal/configmanager"
	"github.com/statsdengine/statsdengine/internal/engerr"
	"github.com/statsdengine/statsdengine/internal/guardrail"
	"github.com/statsdengine/statsdengine/internal/logprocessor"
	"github.com/statsdengine/statsdengine/internal/metric"
	"github.com/statsdengine/statsdengine/internal/persist"
	"github.com/statsdengine/statsdengine/internal/puller"
	"github.com/statsdengine/statsdengine/internal/uidmap"
	"github.com/statsdengine/statsdengine/internal/wire"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for command-surface requests.
type Request struct {
	Cmd      string `json:"cmd"`
	Owner    int64  `json:"owner,omitempty"`
	ConfigID int64  `json:"config_id,omitempty"`

	// CallerOwner is the identity of the connecting caller, checked
	// against Owner unless the target config is an eng build.
	CallerOwner int64 `json:"caller_owner,omitempty"`

	Body  string `json:"body,omitempty"`  // config_update: base64 ConfigSpec JSON
	Proto bool   `json:"proto,omitempty"` // dump_report: internal/wire encoding
	Pkg   string `json:"pkg,omitempty"`   // print_uid_map: optional package filter

	UID   int32  `json:"uid,omitempty"`
	Label string `json:"label,omitempty"`
	State string `json:"state,omitempty"`
}

// Response is the JSON structure for command-surface responses.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Removed      int `json:"removed,omitempty"`
	Checkpointed int `json:"checkpointed,omitempty"`

	Report      map[int64]map[string]interface{} `json:"report,omitempty"`
	ReportProto string                            `json:"report_proto,omitempty"`

	UidMap map[int32]uidmap.AppInfo `json:"uid_map,omitempty"`

	Stats   *StatsSnapshot `json:"stats,omitempty"`
	MemInfo *MemInfo       `json:"meminfo,omitempty"`
}

// StatsSnapshot is print-stats's payload: guardrail drop counters, icebox
// contents, and the outstanding alarm count.
type StatsSnapshot struct {
	Guardrail    guardrail.Counters          `json:"guardrail"`
	Icebox       []configmanager.IceboxEntry `json:"icebox"`
	ActiveAlarms int                         `json:"active_alarms"`
	ActiveConfigs int                        `json:"active_configs"`
}

// MemInfo is meminfo's payload, sourced from runtime.ReadMemStats: no
// library in the retrieved pack covers process memory introspection, so
// this one handler is a documented stdlib exception (see DESIGN.md).
type MemInfo struct {
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// Server is the command-surface Unix domain socket server.
type Server struct {
	socketPath string
	log        *zap.Logger
	sem        chan struct{}

	manager *configmanager.Manager
	proc    *logprocessor.Processor
	guard   *guardrail.Registry
	monitor *alarm.Monitor
	uidMap  *uidmap.Map
	puller  *puller.Manager
	store   *persist.Store

	nowFn func() uint64
}

// NewServer constructs a command-surface Server wired to every subsystem
// its verbs reach into.
func NewServer(socketPath string, log *zap.Logger, manager *configmanager.Manager, proc *logprocessor.Processor, guard *guardrail.Registry, monitor *alarm.Monitor, uidMap *uidmap.Map, pm *puller.Manager, store *persist.Store, nowFn func() uint64) *Server {
	return &Server{
		socketPath: socketPath,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
		manager:    manager,
		proc:       proc,
		guard:      guard,
		monitor:    monitor,
		uidMap:     uidMap,
		puller:     pm,
		store:      store,
		nowFn:      nowFn,
	}
}

// ListenAndServe starts the command-surface socket server. Removes any
// stale socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cmdserver: remove stale socket %q: %w", s.socketPath, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("cmdserver: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("cmdserver: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("command surface socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("cmdserver: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("cmdserver: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("cmdserver: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "config_update":
		return s.cmdConfigUpdate(req)
	case "config_remove":
		return s.cmdConfigRemove(req)
	case "dump_report":
		return s.cmdDumpReport(req)
	case "send_broadcast":
		return s.cmdSendBroadcast(req)
	case "print_uid_map":
		return s.cmdPrintUidMap(req)
	case "print_stats":
		return s.cmdPrintStats()
	case "meminfo":
		return s.cmdMeminfo()
	case "write_to_disk":
		return s.cmdWriteToDisk(req)
	case "clear_puller_cache":
		return s.cmdClearPullerCache()
	case "log_app_breadcrumb":
		return s.cmdLogAppBreadcrumb(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

// ownerAllowed checks spec §6's eng-build owner-impersonation escape
// hatch: a request whose declared owner differs from the caller's own
// identity is rejected unless engBuild is set for the target config.
func ownerAllowed(req Request, engBuild bool) bool {
	if req.CallerOwner == 0 || req.Owner == 0 || req.CallerOwner == req.Owner {
		return true
	}
	return engBuild
}

func (s *Server) cmdConfigUpdate(req Request) Response {
	raw, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return Response{OK: false, Error: "invalid base64 body: " + err.Error()}
	}
	var spec configmanager.ConfigSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return Response{OK: false, Error: "invalid ConfigSpec JSON: " + err.Error()}
	}
	if req.Owner == 0 {
		req.Owner = spec.Owner
	}
	if !ownerAllowed(req, spec.EngBuild) {
		return Response{OK: false, Error: "owner mismatch, not an eng build"}
	}
	if err := s.manager.Install(spec); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) cmdConfigRemove(req Request) Response {
	if req.Owner == 0 && req.ConfigID == 0 {
		keys := s.proc.Keys()
		for _, k := range keys {
			s.manager.Remove(k)
		}
		return Response{OK: true, Removed: len(keys)}
	}
	key := logprocessor.ConfigKey{Owner: req.Owner, ConfigID: req.ConfigID}
	if _, ok := s.proc.Get(key); !ok {
		return Response{OK: false, Error: "no such config"}
	}
	s.manager.Remove(key)
	return Response{OK: true, Removed: 1}
}

func (s *Server) cmdDumpReport(req Request) Response {
	key := logprocessor.ConfigKey{Owner: req.Owner, ConfigID: req.ConfigID}
	report, err := s.proc.DumpReport(context.Background(), key, s.nowFn())
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if req.Proto {
		encoded, err := encodeReportProto(report)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, ReportProto: base64.StdEncoding.EncodeToString(encoded)}
	}
	out := make(map[int64]map[string]interface{}, len(report))
	for id, byKind := range report {
		conv := make(map[string]interface{}, len(byKind))
		for k, v := range byKind {
			conv[k] = v
		}
		out[id] = conv
	}
	return Response{OK: true, Report: out}
}

func (s *Server) cmdSendBroadcast(req Request) Response {
	key := logprocessor.ConfigKey{Owner: req.Owner, ConfigID: req.ConfigID}
	if !s.proc.ForceBroadcast(key) {
		return Response{OK: false, Error: "no such config or no broadcast configured"}
	}
	return Response{OK: true}
}

func (s *Server) cmdPrintUidMap(req Request) Response {
	dump := s.uidMap.Dump()
	if req.Pkg == "" {
		return Response{OK: true, UidMap: dump}
	}
	filtered := make(map[int32]uidmap.AppInfo)
	for uid, info := range dump {
		if info.PackageName == req.Pkg {
			filtered[uid] = info
		}
	}
	return Response{OK: true, UidMap: filtered}
}

func (s *Server) cmdPrintStats() Response {
	var counters guardrail.Counters
	if s.guard != nil {
		counters = s.guard.Snapshot()
	}
	activeAlarms := 0
	if s.monitor != nil {
		activeAlarms = s.monitor.Len()
	}
	return Response{OK: true, Stats: &StatsSnapshot{
		Guardrail:     counters,
		Icebox:        s.manager.Icebox(),
		ActiveAlarms:  activeAlarms,
		ActiveConfigs: s.proc.ConfigCount(),
	}}
}

func (s *Server) cmdMeminfo() Response {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Response{OK: true, MemInfo: &MemInfo{
		HeapAllocBytes: m.HeapAlloc,
		HeapSysBytes:   m.HeapSys,
		NumGoroutine:   runtime.NumGoroutine(),
	}}
}

func (s *Server) cmdWriteToDisk(req Request) Response {
	if s.store == nil {
		return Response{OK: false, Error: "no persist store configured"}
	}
	keys := s.proc.Keys()
	count := 0
	for _, key := range keys {
		report, err := s.proc.DumpReport(context.Background(), key, s.nowFn())
		if err != nil {
			s.log.Warn("cmdserver: dump for checkpoint failed", zap.Error(err))
			continue
		}
		if err := s.store.Checkpoint(key, report); err != nil {
			s.log.Warn("cmdserver: checkpoint failed", zap.Error(err))
			continue
		}
		count++
	}
	return Response{OK: true, Checkpointed: count}
}

func (s *Server) cmdClearPullerCache() Response {
	if s.puller != nil {
		s.puller.ClearCache()
	}
	return Response{OK: true}
}

// cmdLogAppBreadcrumb records an app-state marker in the log stream. The
// command surface names this verb without specifying further semantics;
// there is no PID/state table in this engine for it to mutate, so it is
// recorded as a structured log entry only, timestamped for correlation
// with the bucket timeline.
func (s *Server) cmdLogAppBreadcrumb(req Request) Response {
	s.log.Info("app breadcrumb",
		zap.Int32("uid", req.UID),
		zap.String("label", req.Label),
		zap.String("state", req.State),
		zap.Uint64("at_ns", s.nowFn()),
	)
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// encodeReportProto encodes a dump-report payload with internal/wire
// rather than JSON. Field numbers here are source-defined: no
// StatsdReport.proto exists anywhere in the retrieved pack to be
// compatible with (the same situation as ConfigSpec, see DESIGN.md), so
// this is a self-consistent debug encoding, not a wire-compatible one.
//
// Message layout: repeated MetricReport (field 1), each:
//
//	metric_id int64 (field 1)
//	repeated BucketEntry (field 2): dimension key string (1); bucket
//	contents are not encoded
func encodeReportProto(report map[int64]map[string][]metric.Bucket) ([]byte, error) {
	w := wire.NewWriter()
	for metricID, byKind := range report {
		tok := w.StartMessage(1)
		w.WriteInt64Field(1, metricID)
		for kind := range byKind {
			entryTok := w.StartMessage(2)
			w.WriteStringField(1, kind)
			if err := w.End(entryTok); err != nil {
				return nil, engerr.Wrap(engerr.KindWireEncoding, "encode bucket entry", err)
			}
		}
		if err := w.End(tok); err != nil {
			return nil, engerr.Wrap(engerr.KindWireEncoding, "encode metric report", err)
		}
	}
	return w.Compact()
}
