// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hardware

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/lk2023060901/sensorlink-go/pkg/log"
)

var (
	icOnce sync.Once
	ic     bool
	icErr  error
)

// GetCPUNum 返回可用的逻辑 CPU 数量。
// gopsutil 取不到时退回 runtime.NumCPU()。
func GetCPUNum() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		log.Warn("failed to get cpu counts, fallback to runtime", zap.Error(err))
		return runtime.NumCPU()
	}
	// 被 automaxprocs 或 GOMAXPROCS 限制时以较小者为准。
	if procs := runtime.GOMAXPROCS(0); procs < n {
		return procs
	}
	return n
}

// GetMemoryCount 返回物理内存总字节数，获取失败时返回 0。
func GetMemoryCount() uint64 {
	stats, err := mem.VirtualMemory()
	if err != nil {
		log.Warn("failed to get memory count", zap.Error(err))
		return 0
	}
	return stats.Total
}

// InContainer 报告当前进程是否运行在容器中，结果只计算一次。
func InContainer() (bool, error) {
	icOnce.Do(func() {
		ic, icErr = inContainer()
	})
	return ic, icErr
}
