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

package merr

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/suite"
)

type ErrSuite struct {
	suite.Suite
}

func (s *ErrSuite) TestCode() {
	err := WrapErrSensorIDMismatch("TEMP-01", "TEMP-02")
	err = errors.Wrap(err, "failed to decode envelope")
	s.ErrorIs(err, ErrSensorIDMismatch)
	s.Equal(Code(ErrSensorIDMismatch), Code(err))
	s.Equal(TimeoutCode, Code(context.DeadlineExceeded))
	s.Equal(CanceledCode, Code(context.Canceled))
	s.Equal(errUnexpected.errCode, Code(errUnexpected))
	s.Equal(errUnexpected.errCode, Code(errors.New("plain")))
	s.Equal(int32(0), Code(nil))

	sameCodeErr := newLinkError("new error", ErrSensorIDMismatch.errCode, false)
	s.True(sameCodeErr.Is(ErrSensorIDMismatch))
}

func (s *ErrSuite) TestDecodeErrorsAreDistinct() {
	decodeErrs := []error{
		ErrMalformedPacket,
		ErrMissingAssociatedData,
		ErrAssociatedDataParse,
		ErrSensorIDMismatch,
		ErrAuthFailure,
	}
	for i, a := range decodeErrs {
		s.Equal(InputError, GetErrorType(a))
		s.False(IsRetryableErr(a))
		for j, b := range decodeErrs {
			if i != j {
				s.False(errors.Is(a, b), "%v should not match %v", a, b)
			}
		}
	}
}

func (s *ErrSuite) TestRetryable() {
	s.True(IsRetryableErr(WrapErrTransportBusy(4)))
	s.True(IsRetryableErr(errors.Wrap(WrapErrNonceSource(errors.New("eof")), "encode")))
	s.False(IsRetryableErr(ErrTransportClosed))
	s.False(IsRetryableErr(errors.New("plain")))
	s.Equal(SystemError, GetErrorType(errors.New("plain")))
}

func (s *ErrSuite) TestCanceledOrTimeout() {
	s.True(IsCanceledOrTimeout(context.Canceled))
	s.True(IsCanceledOrTimeout(errors.Wrap(context.DeadlineExceeded, "send")))
	s.False(IsCanceledOrTimeout(ErrTransportBusy))
}

func (s *ErrSuite) TestWrap() {
	// 解码相关错误。
	s.ErrorIs(WrapErrMalformedPacket(3, 37, 244), ErrMalformedPacket)
	s.ErrorIs(WrapErrMissingAssociatedData("|TEMP-", "scan exhausted"), ErrMissingAssociatedData)
	s.ErrorIs(WrapErrAssociatedDataParse("sequence is not numeric"), ErrAssociatedDataParse)
	s.ErrorIs(WrapErrSensorIDMismatch("TEMP-01", "TEMP-02"), ErrSensorIDMismatch)
	s.ErrorIs(WrapErrAuthFailure(7), ErrAuthFailure)

	// 编码与资源相关错误。
	s.ErrorIs(WrapErrPayloadTooLarge(300, 244), ErrPayloadTooLarge)
	s.ErrorIs(WrapErrAllocationFailure("capacity", 0), ErrAllocationFailure)
	s.ErrorIs(WrapErrInvalidScenario(13), ErrInvalidScenario)
	s.ErrorIs(WrapErrScenarioComplete(3, 100), ErrScenarioComplete)
	s.ErrorIs(WrapErrStaleReply(7, 2), ErrStaleReply)

	// 加密相关错误。
	s.ErrorIs(WrapErrInvalidKey(16, 32), ErrInvalidKey)
	s.ErrorIs(WrapErrInvalidMode("rot13"), ErrInvalidMode)
	s.ErrorIs(WrapErrNonceSource(errors.New("short read")), ErrNonceSource)

	// 传输相关错误。
	s.ErrorIs(WrapErrTransportBusy(8, "queue full"), ErrTransportBusy)
	s.ErrorIs(WrapErrTransportTooLarge(300, 244), ErrTransportTooLarge)

	// 参数相关错误。
	s.ErrorIs(WrapErrParameterInvalid(8, 1, "failed to create"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidRange(1, 1<<16, 0, "capacity should be in range"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterInvalidMsg("sensor id %q contains separator", "A|B"), ErrParameterInvalid)
	s.ErrorIs(WrapErrParameterMissing("sensor.id"), ErrParameterMissing)
	s.ErrorIs(WrapErrInvalidConfig("crypto.key", "not hex"), ErrInvalidConfig)
}

func (s *ErrSuite) TestDetail() {
	err := WrapErrSensorIDMismatch("TEMP-01", "TEMP-02")
	s.Contains(err.Error(), "expected=TEMP-01")
	s.Contains(err.Error(), "actual=TEMP-02")

	err = WrapErrMalformedPacket(3, 37, 244)
	s.Contains(err.Error(), "3 out of range 37 <= length <= 244")
}

func (s *ErrSuite) TestCombine() {
	var (
		errFirst  = errors.New("first")
		errSecond = errors.New("second")
		errThird  = errors.New("third")
	)

	err := Combine(errFirst, errSecond)
	s.True(errors.Is(err, errFirst))
	s.True(errors.Is(err, errSecond))
	s.False(errors.Is(err, errThird))

	s.Equal("first: second", err.Error())
}

func (s *ErrSuite) TestCombineWithNil() {
	err := errors.New("non-nil")

	err = Combine(nil, err)
	s.NotNil(err)
}

func (s *ErrSuite) TestCombineOnlyNil() {
	err := Combine(nil, nil)
	s.Nil(err)
}

func (s *ErrSuite) TestCombineCode() {
	err := Combine(WrapErrTransportBusy(1), WrapErrAuthFailure(1))
	s.Equal(Code(ErrAuthFailure), Code(err))
}

func TestErrors(t *testing.T) {
	suite.Run(t, new(ErrSuite))
}
