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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// sensorlinkNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	sensorlinkNamespace = "sensorlink"

	envelopeSubsystem  = "envelope"
	transportSubsystem = "transport"

	modeLabelName      = "mode"
	resultLabelName    = "result"
	tableLabelName     = "table"
	roleLabelName      = "role"
	directionLabelName = "direction"
)

const (
	DecodeResultOK             = "ok"
	DecodeResultMalformed      = "malformed"
	DecodeResultMissingAD      = "missing_ad"
	DecodeResultADParse        = "ad_parse"
	DecodeResultSensorMismatch = "sensor_mismatch"
	DecodeResultAuthFailure    = "auth_failure"
	DecodeResultOther          = "other"
)

var (
	// phaseBuckets 为阶段耗时直方图的桶划分，单位为微秒。
	// [1 4 16 64 256 1024 4096 16384 65536 262144 1.048576e+06 4.194304e+06]
	phaseBuckets = prometheus.ExponentialBuckets(1, 4, 12)

	// sizeBuckets 为信封长度的桶划分，单位为字节，覆盖 BLE ATT 负载范围。
	sizeBuckets = []float64{16, 32, 64, 128, 192, 244, 512}

	EnvelopeEncodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: sensorlinkNamespace,
			Subsystem: envelopeSubsystem,
			Name:      "encoded_total",
			Help:      "number of envelopes encoded",
		}, []string{modeLabelName})

	EnvelopeDecodeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: sensorlinkNamespace,
			Subsystem: envelopeSubsystem,
			Name:      "decode_total",
			Help:      "number of envelope decode attempts by result",
		}, []string{modeLabelName, resultLabelName})

	EnvelopeSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: sensorlinkNamespace,
			Subsystem: envelopeSubsystem,
			Name:      "size_bytes",
			Help:      "encoded envelope length in bytes",
			Buckets:   sizeBuckets,
		}, []string{modeLabelName})

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: sensorlinkNamespace,
			Name:      "phase_duration_microseconds",
			Help:      "duration of completed ledger phases",
			Buckets:   phaseBuckets,
		}, []string{roleLabelName, tableLabelName})

	ScenarioCurrent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: sensorlinkNamespace,
			Name:      "scenario_current",
			Help:      "scenario currently applied to the experiment",
		}, []string{roleLabelName})

	TransportBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: sensorlinkNamespace,
			Subsystem: transportSubsystem,
			Name:      "busy_total",
			Help:      "number of notify attempts rejected because the link was busy",
		}, []string{directionLabelName})

	registerOnce     sync.Once
	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册全部指标，重复调用只生效一次。
func Register(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(EnvelopeEncodedTotal)
		r.MustRegister(EnvelopeDecodeTotal)
		r.MustRegister(EnvelopeSize)
		r.MustRegister(PhaseDuration)
		r.MustRegister(ScenarioCurrent)
		r.MustRegister(TransportBusyTotal)
		metricRegisterer = r
	})
}
