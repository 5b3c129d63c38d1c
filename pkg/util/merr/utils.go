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
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case linkError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := errors.Cause(err).(linkError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if merr, ok := errors.Cause(err).(linkError); ok {
		return merr.errType
	}

	return SystemError
}

// Envelope decode related
func WrapErrMalformedPacket(length, lower, upper int, msg ...string) error {
	err := wrapFields(ErrMalformedPacket, bound("length", length, lower, upper))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrMissingAssociatedData(marker string, msg ...string) error {
	err := wrapFields(ErrMissingAssociatedData, value("marker", marker))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAssociatedDataParse(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrAssociatedDataParse, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSensorIDMismatch(expected, actual string, msg ...string) error {
	err := wrapFields(ErrSensorIDMismatch,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrAuthFailure only records the sequence number; the cause from the
// AEAD engine is dropped on purpose so callers cannot distinguish failures.
func WrapErrAuthFailure(seq uint16, msg ...string) error {
	err := wrapFields(ErrAuthFailure, value("seq", seq))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Envelope encode related
func WrapErrPayloadTooLarge(size, budget int, msg ...string) error {
	err := wrapFields(ErrPayloadTooLarge,
		value("size", size),
		value("budget", budget),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrAllocationFailure(what string, size int, msg ...string) error {
	err := wrapFields(ErrAllocationFailure, value(what, size))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidScenario(id int, msg ...string) error {
	err := wrapFields(ErrInvalidScenario, value("scenario", id))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrStaleReply 表示回包序号 seq 在当前场景中尚未发出，通常是上一场景的迟到回包。
func WrapErrStaleReply(seq uint16, sent uint32, msg ...string) error {
	err := wrapFields(ErrStaleReply,
		value("seq", seq),
		value("sent", sent),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// WrapErrScenarioComplete 表示场景 id 已发满 sent 条报文。
func WrapErrScenarioComplete(id int, sent uint32, msg ...string) error {
	err := wrapFields(ErrScenarioComplete,
		value("scenario", id),
		value("sent", sent),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Crypto related
func WrapErrInvalidKey(expected, actual int, msg ...string) error {
	err := wrapFields(ErrInvalidKey,
		value("expected_len", expected),
		value("actual_len", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidMode(mode any, msg ...string) error {
	err := wrapFields(ErrInvalidMode, value("mode", mode))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrNonceSource(err error, msg ...string) error {
	err = wrapFieldsWithDesc(ErrNonceSource, err.Error())
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Transport related
func WrapErrTransportBusy(queued int, msg ...string) error {
	err := wrapFields(ErrTransportBusy, value("queued", queued))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTransportTooLarge(size, mtu int, msg ...string) error {
	err := wrapFields(ErrTransportTooLarge,
		value("size", size),
		value("mtu", mtu),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Parameter related
func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidRange[T any](lower, upper, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		bound("value", actual, lower, upper),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmt string, args ...any) error {
	return errors.Wrapf(ErrParameterInvalid, fmt, args...)
}

func WrapErrParameterMissing[T any](param T, msg ...string) error {
	err := wrapFields(ErrParameterMissing,
		value("missing_param", param),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrInvalidConfig(key string, reason string) error {
	return wrapFieldsWithDesc(ErrInvalidConfig, reason, value("key", key))
}

func wrapFields(err linkError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err linkError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
