// Copyright (C) 2019-2020 Zilliz. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software distributed under the License
// is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express
// or implied. See the License for the specific language governing permissions and limitations under the License.

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"

	"github.com/lk2023060901/sensorlink-go/pkg/util/merr"
)

func TestDo(t *testing.T) {
	ctx := context.Background()

	n := 0
	testFn := func() error {
		if n < 3 {
			n++
			return errors.New("some error")
		}
		return nil
	}

	err := Do(ctx, testFn, Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAttempts(t *testing.T) {
	ctx := context.Background()

	calls := 0
	testFn := func() error {
		calls++
		return errors.New("some error")
	}

	err := Do(ctx, testFn, Attempts(4), Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestMaxSleepTime(t *testing.T) {
	ctx := context.Background()

	testFn := func() error {
		return errors.New("some error")
	}

	start := time.Now()
	err := Do(ctx, testFn, Attempts(3), Sleep(10*time.Millisecond), MaxSleepTime(20*time.Millisecond))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	c := newDefaultConfig()
	Sleep(time.Second)(c)
	MaxSleepTime(100 * time.Millisecond)(c)
	assert.Equal(t, 2*time.Second, c.maxSleepTime)
}

func TestBackOffSequence(t *testing.T) {
	c := newDefaultConfig()
	Sleep(10 * time.Millisecond)(c)
	MaxSleepTime(40 * time.Millisecond)(c)
	b := c.backOff()

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
}

func TestUnrecoverable(t *testing.T) {
	ctx := context.Background()

	calls := 0
	testFn := func() error {
		calls++
		return Unrecoverable(errors.New("some error"))
	}

	err := Do(ctx, testFn, Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.False(t, IsRecoverable(err))
	assert.Equal(t, 1, calls)
}

func TestRetryErr(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		if calls < 3 {
			return merr.WrapErrTransportBusy(calls)
		}
		return merr.ErrTransportClosed
	}, Sleep(time.Millisecond), RetryErr(merr.IsRetryableErr))
	assert.ErrorIs(t, err, merr.ErrTransportClosed)
	assert.Equal(t, 3, calls)
}

func TestContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	testFn := func() error {
		return errors.New("some error")
	}

	start := time.Now()
	err := Do(ctx, testFn, Attempts(0), Sleep(10*time.Millisecond))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := Handle(ctx, func() (bool, error) {
		calls++
		return false, errors.New("stop")
	}, Sleep(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = Handle(ctx, func() (bool, error) {
		calls++
		if calls < 2 {
			return true, errors.New("again")
		}
		return false, nil
	}, Sleep(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
