package server

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// ReportStatus periodically logs process and host health alongside the
// serving state, so fleet dashboards can grep one structured line.
func (s *Server) ReportStatus(ctx context.Context) {
	interval := s.cfg.Server.StatusInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStatus(ctx)
		}
	}
}

func (s *Server) logStatus(ctx context.Context) {
	attrs := []any{
		slog.String("server_id", s.serverID),
		slog.Int("connections", s.ws.Len()),
		slog.Int("goroutines", runtime.NumGoroutine()),
	}
	if s.exptID != "" {
		attrs = append(attrs, slog.String("expt_id", s.exptID))
	}

	for _, name := range s.registry.Names() {
		ch, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		st := ch.Stats()
		group := []any{
			slog.Int("video_chunks", st.VideoChunks),
			slog.Int("audio_chunks", st.AudioChunks),
		}
		if st.ReadyFrontier != nil {
			group = append(group, slog.Uint64("ready_frontier", *st.ReadyFrontier))
		}
		attrs = append(attrs, slog.Group("channel_"+name, group...))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		attrs = append(attrs, slog.Float64("mem_used_pct", vm.UsedPercent))
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		attrs = append(attrs, slog.Float64("load1", avg.Load1))
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			attrs = append(attrs, slog.Uint64("rss_bytes", mi.RSS))
		}
		if fds, err := proc.NumFDsWithContext(ctx); err == nil {
			attrs = append(attrs, slog.Int("open_fds", int(fds)))
		}
	}

	s.logger.Info("status", attrs...)
}
