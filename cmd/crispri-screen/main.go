// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	screen "github.com/m-jahn/crispri-screen"
)

func main() {
	screen.Main()
}
