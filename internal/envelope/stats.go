package envelope

import (
	"go.uber.org/atomic"

	"github.com/lk2023060901/sensorlink-go/pkg/metrics"
)

// Stats 记录单个编解码器的累计结果，供实验结束时汇总。
type Stats struct {
	encoded        atomic.Uint64
	encodeRejected atomic.Uint64
	decoded        atomic.Uint64
	malformed      atomic.Uint64
	missingAD      atomic.Uint64
	adParse        atomic.Uint64
	sensorMismatch atomic.Uint64
	authFailure    atomic.Uint64
	other          atomic.Uint64
}

// StatsSnapshot 是 Stats 的值拷贝。
type StatsSnapshot struct {
	Encoded        uint64 `json:"encoded"`
	EncodeRejected uint64 `json:"encode_rejected"`
	Decoded        uint64 `json:"decoded"`
	Malformed      uint64 `json:"malformed"`
	MissingAD      uint64 `json:"missing_ad"`
	ADParse        uint64 `json:"ad_parse"`
	SensorMismatch uint64 `json:"sensor_mismatch"`
	AuthFailure    uint64 `json:"auth_failure"`
	Other          uint64 `json:"other"`
}

// Rejected 返回全部解码失败次数。
func (s StatsSnapshot) Rejected() uint64 {
	return s.Malformed + s.MissingAD + s.ADParse + s.SensorMismatch + s.AuthFailure + s.Other
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Encoded:        s.encoded.Load(),
		EncodeRejected: s.encodeRejected.Load(),
		Decoded:        s.decoded.Load(),
		Malformed:      s.malformed.Load(),
		MissingAD:      s.missingAD.Load(),
		ADParse:        s.adParse.Load(),
		SensorMismatch: s.sensorMismatch.Load(),
		AuthFailure:    s.authFailure.Load(),
		Other:          s.other.Load(),
	}
}

func (s *Stats) rejectEncode() {
	s.encodeRejected.Inc()
}

func (s *Stats) recordDecode(result string) {
	switch result {
	case metrics.DecodeResultOK:
		s.decoded.Inc()
	case metrics.DecodeResultMalformed:
		s.malformed.Inc()
	case metrics.DecodeResultMissingAD:
		s.missingAD.Inc()
	case metrics.DecodeResultADParse:
		s.adParse.Inc()
	case metrics.DecodeResultSensorMismatch:
		s.sensorMismatch.Inc()
	case metrics.DecodeResultAuthFailure:
		s.authFailure.Inc()
	default:
		s.other.Inc()
	}
}
