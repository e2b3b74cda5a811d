// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package health coleta o snapshot de prontidão do processo.
package health

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot é o estado de saúde reportado em /health.
type Snapshot struct {
	Status            string  `json:"status"`
	UptimeSeconds     int64   `json:"uptime_seconds"`
	Goroutines        int     `json:"goroutines"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryUsedMB      uint64  `json:"memory_used_mb"`
}

// Collect monta o snapshot. Falhas de coleta de métricas do sistema
// não derrubam o healthcheck: os campos ficam zerados.
func Collect(started time.Time) Snapshot {
	s := Snapshot{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsedPercent = vm.UsedPercent
		s.MemoryUsedMB = vm.Used / 1024 / 1024
	}

	return s
}
