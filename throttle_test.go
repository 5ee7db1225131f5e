// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"errors"
	"sync/atomic"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestFirstError(c *check.C) {
	t := throttle{Max: 4}
	var ran int64
	fail := errors.New("boom")
	for i := 0; i < 100; i++ {
		i := i
		t.Go(func() error {
			atomic.AddInt64(&ran, 1)
			if i == 17 {
				return fail
			}
			return nil
		})
	}
	c.Check(t.Wait(), check.Equals, fail)
	c.Check(atomic.LoadInt64(&ran), check.Equals, int64(100))
}

func (s *throttleSuite) TestNoError(c *check.C) {
	t := throttle{Max: 2}
	for i := 0; i < 10; i++ {
		t.Go(func() error { return nil })
	}
	c.Check(t.Wait(), check.IsNil)
	c.Check(t.Err(), check.IsNil)
}
